package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sells-group/custody-trace/internal/model"
)

const (
	productCollection  = "product_history"
	identityCollection = "users"
)

// MongoStore implements Store on a MongoDB database. Each product record is
// one document in product_history; identities live in users.
type MongoStore struct {
	client     *mongo.Client
	products   *mongo.Collection
	identities *mongo.Collection
}

// NewMongo connects to uri and selects database.
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, eris.Wrap(err, "mongo: connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, eris.Wrap(err, "mongo: ping")
	}
	dbh := client.Database(database)
	return &MongoStore{
		client:     client,
		products:   dbh.Collection(productCollection),
		identities: dbh.Collection(identityCollection),
	}, nil
}

// Migrate creates the unique and lookup indexes.
func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.products.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "productId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "manufacturer", Value: 1}}},
		{Keys: bson.D{{Key: "hops.actor", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return eris.Wrap(err, "mongo: create product indexes")
	}
	_, err = s.identities.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "walletAddress", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return eris.Wrap(err, "mongo: create identity index")
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateProduct(ctx context.Context, rec *model.ProductRecord) error {
	doc := *rec
	doc.Hops = make([]model.Hop, len(rec.Hops))
	for i, h := range rec.Hops {
		doc.Hops[i] = normalizeHop(h)
	}
	if _, err := s.products.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return eris.Wrapf(ErrDuplicate, "mongo: product %s", rec.ProductID)
		}
		return eris.Wrapf(err, "mongo: insert product %s", rec.ProductID)
	}
	return nil
}

func (s *MongoStore) FindProduct(ctx context.Context, productID string) (*model.ProductRecord, error) {
	var rec model.ProductRecord
	err := s.products.FindOne(ctx, bson.M{"productId": productID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "mongo: find product %s", productID)
	}
	if rec.Hops == nil {
		rec.Hops = []model.Hop{}
	}
	return &rec, nil
}

func (s *MongoStore) AppendHop(ctx context.Context, productID string, hop model.Hop) error {
	res, err := s.products.UpdateOne(ctx,
		bson.M{"productId": productID},
		bson.M{
			"$push": bson.M{"hops": normalizeHop(hop)},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return eris.Wrapf(err, "mongo: append hop to %s", productID)
	}
	if res.MatchedCount == 0 {
		return eris.Wrapf(ErrNotFound, "mongo: append hop to %s", productID)
	}
	return nil
}

func (s *MongoStore) SetStatus(ctx context.Context, productID string, status model.Status) error {
	res, err := s.products.UpdateOne(ctx,
		bson.M{"productId": productID},
		bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return eris.Wrapf(err, "mongo: set status of %s", productID)
	}
	if res.MatchedCount == 0 {
		return eris.Wrapf(ErrNotFound, "mongo: set status of %s", productID)
	}
	return nil
}

func (s *MongoStore) DeleteProduct(ctx context.Context, productID string) (bool, error) {
	res, err := s.products.DeleteOne(ctx, bson.M{"productId": productID})
	if err != nil {
		return false, eris.Wrapf(err, "mongo: delete product %s", productID)
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.ProductRecord, error) {
	query := bson.M{}
	switch {
	case filter.Manufacturer != "":
		query["manufacturer"] = filter.Manufacturer
	case filter.Actor != "":
		query["hops.actor"] = filter.Actor
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(listLimit(filter)))
	cur, err := s.products.Find(ctx, query, opts)
	if err != nil {
		return nil, eris.Wrap(err, "mongo: list products")
	}
	defer cur.Close(ctx)

	var out []model.ProductRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, eris.Wrap(err, "mongo: decode products")
	}
	return out, nil
}

func (s *MongoStore) UpsertIdentity(ctx context.Context, id model.Identity) error {
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	_, err := s.identities.UpdateOne(ctx,
		bson.M{"walletAddress": id.Address},
		bson.M{
			"$set": bson.M{
				"companyName":        id.CompanyName,
				"role":               id.Role,
				"registeredLocation": id.RegisteredLocation,
				"contactPerson":      id.ContactPerson,
				"contactPhone":       id.ContactPhone,
			},
			"$setOnInsert": bson.M{"createdAt": id.CreatedAt},
		},
		options.Update().SetUpsert(true),
	)
	return eris.Wrapf(err, "mongo: upsert identity %s", id.Address)
}

func (s *MongoStore) GetIdentity(ctx context.Context, address string) (*model.Identity, error) {
	var id model.Identity
	err := s.identities.FindOne(ctx, bson.M{"walletAddress": address}).Decode(&id)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "mongo: get identity %s", address)
	}
	return &id, nil
}
