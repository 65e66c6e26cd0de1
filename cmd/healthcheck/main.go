// Command healthcheck checks the backend's /healthz for container health checks.
// HEALTHCHECK_URL overrides the default target.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

func main() {
	target := os.Getenv("HEALTHCHECK_URL")
	if target == "" {
		target = "http://localhost:8080/healthz"
	}
	os.Exit(checkHealth(context.Background(), &http.Client{Timeout: 3 * time.Second}, target))
}

func checkHealth(ctx context.Context, client *http.Client, target string) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		slog.Error("healthcheck request", slog.Any("err", err))
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Error("healthcheck failed", slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Error("healthcheck unhealthy", slog.Int("status", resp.StatusCode))
		return 1
	}
	return 0
}
