// Package mongostore implements magiclink.Store on MongoDB.
//
// Every state transition is a single FindOneAndUpdate whose filter carries the
// guard (used unset, not expired), so MongoDB's per-document atomicity decides
// concurrent consumption.
package mongostore

import (
	"context"
	"errors"
	"time"

	"github.com/john-naputi/magiclink"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	// DefaultDBName is the default database name.
	DefaultDBName = "magiclink"

	// DefaultCollectionName is the default collection name.
	DefaultCollectionName = "links"
)

// Config tells where links are kept.
type Config struct {
	DBName         string
	CollectionName string
}

// Store implements magiclink.Store backed by a MongoDB collection.
type Store struct {
	c *mongo.Collection
}

// link is the stored document. Short keys keep documents small.
type link struct {
	ID         bson.ObjectID  `bson:"_id"`
	PublicID   string         `bson:"pid"`
	Email      string         `bson:"email"`
	TokenHash  string         `bson:"th"`
	LookupHash string         `bson:"lh"`
	Redirect   string         `bson:"redir"`
	Expiration time.Time      `bson:"exp"`
	Used       *time.Time     `bson:"used,omitempty"`
	Context    map[string]any `bson:"ctx,omitempty"`
	Meta       map[string]any `bson:"meta,omitempty"`
	IP         *string        `bson:"ip,omitempty"`
	UserAgent  *string        `bson:"agent,omitempty"`
	Created    time.Time      `bson:"c"`
	Updated    time.Time      `bson:"u"`
}

// New returns a Store on client and ensures the indexes exist.
func New(ctx context.Context, client *mongo.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongostore: nil client")
	}
	if cfg.DBName == "" {
		cfg.DBName = DefaultDBName
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = DefaultCollectionName
	}
	s := &Store{c: client.Database(cfg.DBName).Collection(cfg.CollectionName)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.c.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pid", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "lh", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}, {Key: "c", Value: -1}}},
		{Keys: bson.D{{Key: "exp", Value: 1}, {Key: "used", Value: 1}}},
	})
	return err
}

// Collection exposes the underlying collection (tests, ops).
func (s *Store) Collection() *mongo.Collection { return s.c }

func (s *Store) Insert(ctx context.Context, l *magiclink.MagicLink) error {
	d := fromLink(*l)
	d.ID = bson.NewObjectID()
	d.Used, d.IP, d.UserAgent = nil, nil, nil
	if _, err := s.c.InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return magiclink.ErrDuplicate
		}
		return err
	}
	l.ID = d.ID.Hex()
	return nil
}

func (s *Store) FindByLookupHash(ctx context.Context, lookupHash string) (magiclink.MagicLink, error) {
	return s.findOne(ctx, bson.M{"lh": lookupHash}, magiclink.ErrNotFound)
}

func (s *Store) FindByPublicID(ctx context.Context, publicID string) (magiclink.MagicLink, error) {
	return s.findOne(ctx, bson.M{"pid": publicID}, magiclink.ErrNotFound)
}

func (s *Store) MarkUsed(ctx context.Context, p magiclink.ConsumeParams) (magiclink.MagicLink, error) {
	filter := bson.M{
		"pid":  p.PublicID,
		"used": nil,
		"exp":  bson.M{"$gt": p.Now},
	}
	set := bson.M{"used": p.Now, "u": p.Now}
	if p.IPAddress != nil {
		set["ip"] = *p.IPAddress
	}
	if p.UserAgent != nil {
		set["agent"] = *p.UserAgent
	}
	return s.update(ctx, filter, bson.M{"$set": set}, magiclink.ErrNotConsumable)
}

func (s *Store) Revoke(ctx context.Context, publicID string, now time.Time) (magiclink.MagicLink, bool, error) {
	filter := bson.M{"pid": publicID, "used": nil}
	l, err := s.update(ctx, filter, bson.M{"$set": bson.M{"used": now, "u": now}}, errNoTransition)
	switch {
	case err == nil:
		return l, true, nil
	case errors.Is(err, errNoTransition):
		l, err = s.FindByPublicID(ctx, publicID)
		return l, false, err
	default:
		return magiclink.MagicLink{}, false, err
	}
}

func (s *Store) Extend(ctx context.Context, publicID string, d time.Duration, now time.Time) (magiclink.MagicLink, error) {
	filter := bson.M{"pid": publicID, "used": nil}
	// Pipeline update: exp is shifted server side, relative to its stored value.
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "exp", Value: bson.D{{Key: "$add", Value: bson.A{"$exp", d.Milliseconds()}}}},
			{Key: "u", Value: now},
		}}},
	}
	l, err := s.update(ctx, filter, update, errNoTransition)
	if errors.Is(err, errNoTransition) {
		if _, err := s.FindByPublicID(ctx, publicID); err != nil {
			return magiclink.MagicLink{}, err
		}
		return magiclink.MagicLink{}, magiclink.ErrLinkUsed
	}
	return l, err
}

func (s *Store) DeletePrunable(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{"used": bson.M{"$ne": nil}},
		bson.M{"exp": bson.M{"$lt": cutoff}},
	}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *Store) List(ctx context.Context, f magiclink.ListFilter, now time.Time) ([]magiclink.MagicLink, error) {
	filter := bson.M{}
	if f.SubjectEmail != "" {
		filter["email"] = f.SubjectEmail
	}
	switch f.Status {
	case magiclink.StatusActive:
		filter["used"] = nil
		filter["exp"] = bson.M{"$gt": now}
	case magiclink.StatusExpired:
		filter["used"] = nil
		filter["exp"] = bson.M{"$lte": now}
	case magiclink.StatusUsed:
		filter["used"] = bson.M{"$ne": nil}
	}
	opts := options.Find().SetSort(bson.D{{Key: "c", Value: -1}, {Key: "pid", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []link
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]magiclink.MagicLink, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toLink())
	}
	return out, nil
}

var errNoTransition = errors.New("mongostore: no document updated")

func (s *Store) findOne(ctx context.Context, filter any, notFound error) (magiclink.MagicLink, error) {
	var d link
	if err := s.c.FindOne(ctx, filter).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return magiclink.MagicLink{}, notFound
		}
		return magiclink.MagicLink{}, err
	}
	return d.toLink(), nil
}

func (s *Store) update(ctx context.Context, filter, update any, notMatched error) (magiclink.MagicLink, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var d link
	if err := s.c.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return magiclink.MagicLink{}, notMatched
		}
		return magiclink.MagicLink{}, err
	}
	return d.toLink(), nil
}

func fromLink(l magiclink.MagicLink) link {
	return link{
		PublicID:   l.PublicID,
		Email:      l.SubjectEmail,
		TokenHash:  l.TokenHash,
		LookupHash: l.LookupHash,
		Redirect:   l.RedirectURL,
		Expiration: l.ExpiresAt.UTC(),
		Used:       l.UsedAt,
		Context:    l.Context,
		Meta:       l.Meta,
		IP:         l.IPAddress,
		UserAgent:  l.UserAgent,
		Created:    l.CreatedAt.UTC(),
		Updated:    l.UpdatedAt.UTC(),
	}
}

func (d link) toLink() magiclink.MagicLink {
	l := magiclink.MagicLink{
		ID:           d.ID.Hex(),
		PublicID:     d.PublicID,
		SubjectEmail: d.Email,
		TokenHash:    d.TokenHash,
		LookupHash:   d.LookupHash,
		RedirectURL:  d.Redirect,
		ExpiresAt:    d.Expiration.UTC(),
		Context:      plainMap(d.Context),
		Meta:         plainMap(d.Meta),
		IPAddress:    d.IP,
		UserAgent:    d.UserAgent,
		CreatedAt:    d.Created.UTC(),
		UpdatedAt:    d.Updated.UTC(),
	}
	if d.Used != nil {
		t := d.Used.UTC()
		l.UsedAt = &t
	}
	return l
}

// plainMap rewrites decoded payloads so nested documents come back as
// map[string]any and arrays as []any, the shapes the other stores return.
func plainMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plain(v)
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = plain(e.Value)
		}
		return out
	case bson.M:
		return plainMap(t)
	case map[string]any:
		return plainMap(t)
	case bson.A:
		return plainSlice(t)
	case []any:
		return plainSlice(t)
	}
	return v
}

func plainSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = plain(v)
	}
	return out
}

var _ magiclink.Store = (*Store)(nil)
