package channels

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists records in the channels table. Update runs inside a
// transaction holding the row lock, so concurrent updates to one channel
// never drop each other's fields.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const selectChannel = `SELECT channel_login, provider_user_id, access_token_expires_at, needs_reauth,
	last_token_error, last_token_error_at, oauth_tier, granted_scopes, reward_id, reward_disabled,
	overlay_secret_ref, bot_enabled, created_at, updated_at
	FROM channels WHERE channel_login = $1`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		expires   sql.NullTime
		lastErr   sql.NullString
		lastErrAt sql.NullTime
		tier      string
		scopes    []byte
		rewardID  sql.NullString
		overlay   sql.NullString
	)
	err := row.Scan(&rec.ChannelLogin, &rec.ProviderUserID, &expires, &rec.NeedsReAuth,
		&lastErr, &lastErrAt, &tier, &scopes, &rewardID, &rec.RewardDisabled,
		&overlay, &rec.BotEnabled, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.OAuthTier = Tier(tier)
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &rec.GrantedScopes); err != nil {
			return nil, fmt.Errorf("decode granted_scopes: %w", err)
		}
	}
	rec.AccessTokenExpiresAt = nullTime(expires)
	rec.LastTokenError = nullString(lastErr)
	rec.LastTokenErrorAt = nullTime(lastErrAt)
	rec.ResourceRefs.RewardID = nullString(rewardID)
	rec.ResourceRefs.OverlaySecretRef = nullString(overlay)
	return &rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, login string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectChannel, NormalizeLogin(login)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", login, ErrNotFound)
	}
	return rec, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeRecord(ctx context.Context, ex execer, rec *Record) error {
	scopes, err := json.Marshal(NormalizeScopes(rec.GrantedScopes))
	if err != nil {
		return err
	}
	tier := rec.OAuthTier
	if tier == "" {
		tier = TierAnonymous
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO channels(channel_login, provider_user_id, access_token_expires_at,
			needs_reauth, last_token_error, last_token_error_at, oauth_tier, granted_scopes, reward_id,
			reward_disabled, overlay_secret_ref, bot_enabled, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
		ON CONFLICT(channel_login) DO UPDATE SET
			provider_user_id=EXCLUDED.provider_user_id,
			access_token_expires_at=EXCLUDED.access_token_expires_at,
			needs_reauth=EXCLUDED.needs_reauth,
			last_token_error=EXCLUDED.last_token_error,
			last_token_error_at=EXCLUDED.last_token_error_at,
			oauth_tier=EXCLUDED.oauth_tier,
			granted_scopes=EXCLUDED.granted_scopes,
			reward_id=EXCLUDED.reward_id,
			reward_disabled=EXCLUDED.reward_disabled,
			overlay_secret_ref=EXCLUDED.overlay_secret_ref,
			bot_enabled=EXCLUDED.bot_enabled,
			updated_at=NOW()`,
		NormalizeLogin(rec.ChannelLogin), rec.ProviderUserID, rec.AccessTokenExpiresAt,
		rec.NeedsReAuth, rec.LastTokenError, rec.LastTokenErrorAt, string(tier), scopes,
		rec.ResourceRefs.RewardID, rec.RewardDisabled, rec.ResourceRefs.OverlaySecretRef, rec.BotEnabled)
	return err
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	if err := writeRecord(ctx, s.db, rec); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ChannelLogin, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, login string, fn func(*Record) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectChannel+" FOR UPDATE", NormalizeLogin(login)))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update %s: %w", login, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	if err := writeRecord(ctx, tx, rec); err != nil {
		return fmt.Errorf("update %s: %w", login, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ListBotEnabled(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_login FROM channels WHERE bot_enabled ORDER BY channel_login`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		out = append(out, login)
	}
	return out, rows.Err()
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
