package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MemoryStore keeps preferences in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[[2]string]Pref
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[[2]string]Pref)}
}

func (s *MemoryStore) Get(_ context.Context, channel, viewer string) (Pref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[[2]string{normalize(channel), normalize(viewer)}]
	if !ok {
		return Pref{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) Put(_ context.Context, channel, viewer string, p Pref) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.UpdatedAt = &now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[[2]string{normalize(channel), normalize(viewer)}] = p
	return nil
}

// PostgresStore uses the viewer_prefs table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Get(ctx context.Context, channel, viewer string) (Pref, error) {
	var (
		voice   sql.NullString
		rate    sql.NullFloat64
		enabled sql.NullBool
		updated time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT voice, rate, enabled, updated_at FROM viewer_prefs WHERE channel_login=$1 AND viewer_login=$2`,
		normalize(channel), normalize(viewer)).Scan(&voice, &rate, &enabled, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Pref{}, ErrNotFound
	}
	if err != nil {
		return Pref{}, fmt.Errorf("get prefs: %w", err)
	}
	p := Pref{UpdatedAt: &updated}
	if voice.Valid {
		p.Voice = &voice.String
	}
	if rate.Valid {
		p.Rate = &rate.Float64
	}
	if enabled.Valid {
		p.Enabled = &enabled.Bool
	}
	return p, nil
}

func (s *PostgresStore) Put(ctx context.Context, channel, viewer string, p Pref) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO viewer_prefs (channel_login, viewer_login, voice, rate, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (channel_login, viewer_login)
		DO UPDATE SET voice=EXCLUDED.voice, rate=EXCLUDED.rate, enabled=EXCLUDED.enabled, updated_at=NOW()`,
		normalize(channel), normalize(viewer), p.Voice, p.Rate, p.Enabled)
	if err != nil {
		return fmt.Errorf("put prefs: %w", err)
	}
	return nil
}

// MongoStore uses the viewer_prefs collection with a compound _id.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection("viewer_prefs")}
}

type prefKey struct {
	Channel string `bson:"channel"`
	Viewer  string `bson:"viewer"`
}

type prefDoc struct {
	ID        prefKey   `bson:"_id"`
	Voice     *string   `bson:"voice"`
	Rate      *float64  `bson:"rate"`
	Enabled   *bool     `bson:"enabled"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *MongoStore) Get(ctx context.Context, channel, viewer string) (Pref, error) {
	var doc prefDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": prefKey{normalize(channel), normalize(viewer)}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Pref{}, ErrNotFound
	}
	if err != nil {
		return Pref{}, fmt.Errorf("get prefs: %w", err)
	}
	return Pref{Voice: doc.Voice, Rate: doc.Rate, Enabled: doc.Enabled, UpdatedAt: &doc.UpdatedAt}, nil
}

func (s *MongoStore) Put(ctx context.Context, channel, viewer string, p Pref) error {
	if err := p.Validate(); err != nil {
		return err
	}
	doc := prefDoc{
		ID:        prefKey{normalize(channel), normalize(viewer)},
		Voice:     p.Voice,
		Rate:      p.Rate,
		Enabled:   p.Enabled,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put prefs: %w", err)
	}
	return nil
}
