package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	secretmanager "google.golang.org/api/secretmanager/v1"
)

// GoogleStore is backed by Google Secret Manager, whose secrets are natively
// versioned with a "latest" alias.
type GoogleStore struct {
	svc     *secretmanager.Service
	project string
}

var _ Store = (*GoogleStore)(nil)

// NewGoogleStore builds a Secret Manager client for project. Credentials come
// from the environment unless opts say otherwise.
func NewGoogleStore(ctx context.Context, project string, opts ...option.ClientOption) (*GoogleStore, error) {
	if project == "" {
		return nil, errors.New("secrets: gcp project is empty")
	}
	svc, err := secretmanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secretmanager client: %w", err)
	}
	return &GoogleStore{svc: svc, project: project}, nil
}

func (g *GoogleStore) secretPath(name string) string {
	return "projects/" + g.project + "/secrets/" + name
}

func (g *GoogleStore) Create(ctx context.Context, name string) error {
	sec := &secretmanager.Secret{Replication: &secretmanager.Replication{Automatic: &secretmanager.Automatic{}}}
	_, err := g.svc.Projects.Secrets.Create("projects/"+g.project, sec).SecretId(name).Context(ctx).Do()
	if err != nil && !hasCode(err, http.StatusConflict) {
		return fmt.Errorf("create secret %s: %w", name, err)
	}
	return nil
}

func (g *GoogleStore) Write(ctx context.Context, name string, payload []byte) (string, error) {
	req := &secretmanager.AddSecretVersionRequest{
		Payload: &secretmanager.SecretPayload{Data: base64.StdEncoding.EncodeToString(payload)},
	}
	v, err := g.svc.Projects.Secrets.AddVersion(g.secretPath(name), req).Context(ctx).Do()
	if err != nil {
		if hasCode(err, http.StatusNotFound) {
			return "", fmt.Errorf("write %s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return v.Name, nil
}

func (g *GoogleStore) ReadLatest(ctx context.Context, name string) ([]byte, error) {
	resp, err := g.svc.Projects.Secrets.Versions.Access(g.secretPath(name) + "/versions/latest").Context(ctx).Do()
	if err != nil {
		if hasCode(err, http.StatusNotFound) {
			return nil, fmt.Errorf("read %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if resp.Payload == nil {
		return nil, fmt.Errorf("read %s: empty payload", name)
	}
	out, err := base64.StdEncoding.DecodeString(resp.Payload.Data)
	if err != nil {
		return nil, fmt.Errorf("read %s: decode payload: %w", name, err)
	}
	return out, nil
}

func hasCode(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}
