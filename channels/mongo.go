package channels

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps one document per channel in the channels collection,
// keyed by login. Update only $sets the fields fn changed, so two writers
// touching different fields both land.
type MongoStore struct {
	coll *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection("channels")}
}

type channelDoc struct {
	ChannelLogin         string     `bson:"_id"`
	ProviderUserID       string     `bson:"provider_user_id"`
	AccessTokenExpiresAt *time.Time `bson:"access_token_expires_at"`
	NeedsReAuth          bool       `bson:"needs_reauth"`
	LastTokenError       *string    `bson:"last_token_error"`
	LastTokenErrorAt     *time.Time `bson:"last_token_error_at"`
	OAuthTier            string     `bson:"oauth_tier"`
	GrantedScopes        []string   `bson:"granted_scopes"`
	RewardID             *string    `bson:"reward_id"`
	RewardDisabled       bool       `bson:"reward_disabled"`
	OverlaySecretRef     *string    `bson:"overlay_secret_ref"`
	BotEnabled           bool       `bson:"bot_enabled"`
	CreatedAt            time.Time  `bson:"created_at"`
	UpdatedAt            time.Time  `bson:"updated_at"`
}

func toDoc(r *Record) channelDoc {
	tier := r.OAuthTier
	if tier == "" {
		tier = TierAnonymous
	}
	return channelDoc{
		ChannelLogin:         NormalizeLogin(r.ChannelLogin),
		ProviderUserID:       r.ProviderUserID,
		AccessTokenExpiresAt: r.AccessTokenExpiresAt,
		NeedsReAuth:          r.NeedsReAuth,
		LastTokenError:       r.LastTokenError,
		LastTokenErrorAt:     r.LastTokenErrorAt,
		OAuthTier:            string(tier),
		GrantedScopes:        NormalizeScopes(r.GrantedScopes),
		RewardID:             r.ResourceRefs.RewardID,
		RewardDisabled:       r.RewardDisabled,
		OverlaySecretRef:     r.ResourceRefs.OverlaySecretRef,
		BotEnabled:           r.BotEnabled,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

func (d channelDoc) record() *Record {
	return &Record{
		ChannelLogin:         d.ChannelLogin,
		ProviderUserID:       d.ProviderUserID,
		AccessTokenExpiresAt: d.AccessTokenExpiresAt,
		NeedsReAuth:          d.NeedsReAuth,
		LastTokenError:       d.LastTokenError,
		LastTokenErrorAt:     d.LastTokenErrorAt,
		OAuthTier:            Tier(d.OAuthTier),
		GrantedScopes:        d.GrantedScopes,
		ResourceRefs:         ResourceRefs{RewardID: d.RewardID, OverlaySecretRef: d.OverlaySecretRef},
		RewardDisabled:       d.RewardDisabled,
		BotEnabled:           d.BotEnabled,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

func (s *MongoStore) Get(ctx context.Context, login string) (*Record, error) {
	var doc channelDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": NormalizeLogin(login)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("get %s: %w", login, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc.record(), nil
}

func (s *MongoStore) Upsert(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	doc := toDoc(rec)
	doc.UpdatedAt = now
	set, err := docFields(doc)
	if err != nil {
		return err
	}
	delete(set, "_id")
	delete(set, "created_at")
	_, err = s.coll.UpdateOne(ctx,
		bson.M{"_id": doc.ChannelLogin},
		bson.M{"$set": set, "$setOnInsert": bson.M{"created_at": now}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ChannelLogin, err)
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, login string, fn func(*Record) error) error {
	before, err := s.Get(ctx, login)
	if err != nil {
		return err
	}
	after := before.Clone()
	if err := fn(after); err != nil {
		return err
	}
	set, err := changedFields(toDoc(before), toDoc(after))
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return nil
	}
	set["updated_at"] = time.Now().UTC()
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": before.ChannelLogin}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update %s: %w", login, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update %s: %w", login, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) ListBotEnabled(ctx context.Context) ([]string, error) {
	cur, err := s.coll.Find(ctx, bson.M{"bot_enabled": true},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.ID)
	}
	return out, cur.Err()
}

func docFields(doc channelDoc) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// changedFields returns the top-level fields whose encoded value differs.
func changedFields(before, after channelDoc) (bson.M, error) {
	b, err := docFields(before)
	if err != nil {
		return nil, err
	}
	a, err := docFields(after)
	if err != nil {
		return nil, err
	}
	out := bson.M{}
	for k, v := range a {
		if k == "_id" || k == "created_at" || k == "updated_at" {
			continue
		}
		if !reflect.DeepEqual(b[k], v) {
			out[k] = v
		}
	}
	return out, nil
}
