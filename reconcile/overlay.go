package reconcile

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/secrets"
	"github.com/onnwee/chatvox/backend/telemetry"
)

// Overlay is the channel's overlay secret: Result names the secret, Token is
// the value an OBS browser source presents.
type Overlay struct {
	Result
	Token string
}

// EnsureOverlay returns the channel's overlay token, creating the secret when
// the cached reference is missing or unreadable.
func (r *Reconciler) EnsureOverlay(ctx context.Context, login string) (ov Overlay, err error) {
	login = channels.NormalizeLogin(login)
	defer func() { r.count("overlay", ov.Status, err) }()

	rec, err := r.loadChannel(ctx, login)
	if err != nil {
		return Overlay{}, err
	}
	if ref := rec.ResourceRefs.OverlaySecretRef; ref != nil {
		b, err := r.secrets.ReadLatest(ctx, *ref)
		if err == nil && len(b) > 0 {
			return Overlay{Result: Result{Status: StatusReused, ResourceID: *ref}, Token: string(b)}, nil
		}
		r.log.Warn("overlay secret unreadable, recreating",
			slog.String("channel", login), slog.String("ref", *ref), slog.Any("err", err))
	}
	return r.writeOverlay(ctx, rec, StatusCreated)
}

// RotateOverlay appends a fresh token; old overlay URLs stop resolving.
func (r *Reconciler) RotateOverlay(ctx context.Context, login string) (ov Overlay, err error) {
	login = channels.NormalizeLogin(login)
	defer func() { r.count("overlay", ov.Status, err) }()

	rec, err := r.loadChannel(ctx, login)
	if err != nil {
		return Overlay{}, err
	}
	status := StatusUpdated
	if rec.ResourceRefs.OverlaySecretRef == nil {
		status = StatusCreated
	}
	return r.writeOverlay(ctx, rec, status)
}

func (r *Reconciler) writeOverlay(ctx context.Context, rec *channels.Record, status Status) (Overlay, error) {
	name := secrets.OverlaySecretName(rec.ProviderUserID)
	token := uuid.NewString()
	if _, err := secrets.CreateAndWrite(ctx, r.secrets, name, []byte(token)); err != nil {
		return Overlay{}, fmt.Errorf("%w: write overlay secret: %w", ErrReconciliationFailed, err)
	}
	if ref := rec.ResourceRefs.OverlaySecretRef; ref == nil || *ref != name {
		err := r.channels.Update(ctx, rec.ChannelLogin, func(c *channels.Record) error {
			c.ResourceRefs.OverlaySecretRef = &name
			return nil
		})
		if err != nil {
			return Overlay{}, fmt.Errorf("%w: save overlay ref: %w", ErrReconciliationFailed, err)
		}
	}
	r.log.Info("overlay secret written", slog.String("channel", rec.ChannelLogin), slog.String("status", string(status)))
	return Overlay{Result: Result{Status: status, ResourceID: name}, Token: token}, nil
}

// ResolveOverlay checks a presented overlay token against the latest version.
func (r *Reconciler) ResolveOverlay(ctx context.Context, login, presented string) error {
	login = channels.NormalizeLogin(login)
	rec, err := r.loadChannel(ctx, login)
	if err != nil {
		return err
	}
	ref := rec.ResourceRefs.OverlaySecretRef
	if ref == nil || presented == "" {
		telemetry.IncOverlayResolveFailed()
		return ErrOverlayDenied
	}
	want, err := r.secrets.ReadLatest(ctx, *ref)
	if err != nil {
		return fmt.Errorf("read overlay secret: %w", err)
	}
	if subtle.ConstantTimeCompare(want, []byte(presented)) != 1 {
		telemetry.IncOverlayResolveFailed()
		return ErrOverlayDenied
	}
	return nil
}
