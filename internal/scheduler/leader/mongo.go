package leader

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
)

const leasesCollectionName = "leases"

type leaseDocument struct {
	Resource  string    `bson:"_id"`
	Holder    string    `bson:"holder"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// MongoElector keeps one document per resource, keyed by _id. A TTL index on expiresAt lets the server delete
// leases whose holder went away.
type MongoElector struct {
	collection *mongo.Collection
	clock      clock.Clock
}

func NewMongoElector(db *mongo.Database, clock clock.Clock) *MongoElector {
	return &MongoElector{collection: db.Collection(leasesCollectionName), clock: clock}
}

// EnsureSchema creates the TTL index.
func (e *MongoElector) EnsureSchema(ctx *logctx.Context) error {
	_, err := e.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return schedulererrors.StoreUnavailable("mongodb", "ensureSchema", err)
}

// StandForElection upserts the lease document, filtered on the caller holding it or it having expired. If neither
// holds, the upsert collides with the existing _id and the election is lost.
func (e *MongoElector) StandForElection(ctx *logctx.Context, holder string, resource string, validity time.Duration) (bool, error) {
	if err := validateElection(holder, resource, validity); err != nil {
		return false, err
	}
	now := e.clock.Now().UTC()
	_, err := e.collection.UpdateOne(ctx,
		bson.M{
			"_id": resource,
			"$or": bson.A{
				bson.M{"holder": holder},
				bson.M{"expiresAt": bson.M{"$lt": now}},
			},
		},
		bson.M{"$set": bson.M{"holder": holder, "expiresAt": now.Add(validity)}},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, schedulererrors.StoreUnavailable("mongodb", "standForElection", err)
	}
	return true, nil
}

func (e *MongoElector) Resign(ctx *logctx.Context, holder string, resource string) error {
	_, err := e.collection.DeleteOne(ctx, bson.M{"_id": resource, "holder": holder})
	return schedulererrors.StoreUnavailable("mongodb", "resign", err)
}

// Holder returns the current holder of resource, or "" if there is none.
func (e *MongoElector) Holder(ctx *logctx.Context, resource string) (string, error) {
	var doc leaseDocument
	err := e.collection.FindOne(ctx, bson.M{"_id": resource, "expiresAt": bson.M{"$gte": e.clock.Now().UTC()}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", schedulererrors.StoreUnavailable("mongodb", "holder", err)
	}
	return doc.Holder, nil
}
