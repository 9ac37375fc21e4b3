package database

import (
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

const (
	mongoStore          = "mongodb"
	jobsCollectionName  = "jobs"
	activeSiblingsField = "activeSiblings"
)

var admissionSort = bson.D{
	{Key: "priority", Value: -1},
	{Key: "created", Value: 1},
	{Key: "_id", Value: 1},
}

// MongoJobRepository is an implementation of JobRepository backed by a MongoDB collection of JobRecord documents.
type MongoJobRepository struct {
	collection *mongo.Collection
}

func NewMongoJobRepository(db *mongo.Database) *MongoJobRepository {
	return &MongoJobRepository{collection: db.Collection(jobsCollectionName)}
}

// EnsureSchema creates the indexes used by the control loops. CreateMany is a no-op for indexes that already
// exist with the same definition.
func (r *MongoJobRepository) EnsureSchema(ctx *logctx.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "key", Value: 1}, {Key: "state", Value: 1}}},
		{Keys: append(bson.D{{Key: "state", Value: 1}}, admissionSort...)},
		{Keys: bson.D{{Key: "resourceState", Value: 1}, {Key: "type", Value: 1}}},
	})
	return schedulererrors.StoreUnavailable(mongoStore, "ensureSchema", err)
}

func (r *MongoJobRepository) Insert(ctx *logctx.Context, jobs ...*jobdb.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	documents := make([]interface{}, len(jobs))
	for i, job := range jobs {
		record := NewJobRecord(job)
		record.Version = 1
		documents[i] = record
	}
	_, err := r.collection.InsertMany(ctx, documents)
	if mongo.IsDuplicateKeyError(err) {
		return errors.WithStack(&schedulererrors.ErrAlreadyExists{Type: "job", Value: duplicateIds(jobs), Message: err.Error()})
	}
	return schedulererrors.StoreUnavailable(mongoStore, "insert", err)
}

func (r *MongoJobRepository) GetById(ctx *logctx.Context, id string) (*jobdb.Job, error) {
	var record JobRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.WithStack(&schedulererrors.ErrNotFound{Type: "job", Value: id})
	}
	if err != nil {
		return nil, schedulererrors.StoreUnavailable(mongoStore, "getById", err)
	}
	return record.ToJob(), nil
}

func (r *MongoJobRepository) Find(ctx *logctx.Context, filter JobFilter, limit int) ([]*jobdb.Job, error) {
	opts := options.Find().SetSort(admissionSort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.collection.Find(ctx, filterDocument(filter), opts)
	if err != nil {
		return nil, schedulererrors.StoreUnavailable(mongoStore, "find", err)
	}
	return decodeJobs(ctx, cursor, "find")
}

func (r *MongoJobRepository) ReservedAmountByType(ctx *logctx.Context, types []string) (map[string]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"resourceState":   int(jobdb.ResourceReserved),
			"type":            bson.M{"$in": types},
			"resourceRequest": bson.M{"$ne": nil},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$type",
			"total": bson.M{"$sum": "$resourceRequest.amount"},
		}}},
	}
	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, schedulererrors.StoreUnavailable(mongoStore, "reservedAmountByType", err)
	}
	defer cursor.Close(ctx)
	var groups []struct {
		Type  string `bson:"_id"`
		Total int64  `bson:"total"`
	}
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, schedulererrors.StoreUnavailable(mongoStore, "reservedAmountByType", err)
	}
	amounts := make(map[string]int64, len(groups))
	for _, group := range groups {
		amounts[group.Type] = group.Total
	}
	return amounts, nil
}

// FetchAdmissionCandidates joins every queued candidate against active jobs sharing its key and keeps only the
// candidates with no such sibling.
func (r *MongoJobRepository) FetchAdmissionCandidates(ctx *logctx.Context, types []string, limit int) ([]*jobdb.Job, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"state":                    int(jobdb.Queued),
			"cancellation.isCancelled": false,
			"type":                     bson.M{"$in": types},
		}}},
		{{Key: "$lookup", Value: bson.M{
			"from": jobsCollectionName,
			"let":  bson.M{"candidateKey": "$key"},
			"pipeline": mongo.Pipeline{
				{{Key: "$match", Value: bson.M{"$expr": bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$key", "$$candidateKey"}},
					bson.M{"$gte": bson.A{"$state", int(ActiveStates.From)}},
					bson.M{"$lte": bson.A{"$state", int(ActiveStates.To)}},
				}}}}},
				{{Key: "$limit", Value: 1}},
				{{Key: "$project", Value: bson.M{"_id": 1}}},
			},
			"as": activeSiblingsField,
		}}},
		{{Key: "$match", Value: bson.M{activeSiblingsField: bson.M{"$size": 0}}}},
		{{Key: "$project", Value: bson.M{activeSiblingsField: 0}}},
		{{Key: "$sort", Value: admissionSort}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}
	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, schedulererrors.StoreUnavailable(mongoStore, "fetchAdmissionCandidates", err)
	}
	return decodeJobs(ctx, cursor, "fetchAdmissionCandidates")
}

func (r *MongoJobRepository) Update(ctx *logctx.Context, expected *jobdb.Job, updated *jobdb.Job) (*jobdb.Job, error) {
	record := NewJobRecord(updated)
	record.Id = expected.Id
	record.Version = expected.Version + 1
	result, err := r.collection.ReplaceOne(ctx, bson.M{
		"_id":                      expected.Id,
		"version":                  expected.Version,
		"state":                    int(expected.State),
		"cancellation.isCancelled": expected.IsCancelRequested(),
	}, record)
	if err != nil {
		return nil, schedulererrors.StoreUnavailable(mongoStore, "update", err)
	}
	if result.MatchedCount == 0 {
		return nil, errors.WithStack(&schedulererrors.ErrAdmissionRaceLost{JobId: expected.Id, Operation: "update"})
	}
	return record.ToJob(), nil
}

func (r *MongoJobRepository) RequestCancellation(ctx *logctx.Context, id string, requestedBy string, at time.Time) (bool, error) {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{
			"_id":                      id,
			"state":                    bson.M{"$lt": int(jobdb.FirstTerminalState)},
			"cancellation.cancellable": true,
			"cancellation.isCancelled": false,
		},
		bson.M{
			"$set": bson.M{
				"cancellation.isCancelled": true,
				"cancellation.requestedBy": requestedBy,
				"cancellation.requestTime": at,
			},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return false, schedulererrors.StoreUnavailable(mongoStore, "requestCancellation", err)
	}
	return result.ModifiedCount == 1, nil
}

func (r *MongoJobRepository) ReleaseReservations(ctx *logctx.Context, states StateRange) (int64, error) {
	result, err := r.collection.UpdateMany(ctx,
		bson.M{
			"resourceState": int(jobdb.ResourceReserved),
			"state":         stateRangeDocument(states),
		},
		bson.M{
			"$set": bson.M{"resourceState": int(jobdb.ResourceUnset)},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return 0, schedulererrors.StoreUnavailable(mongoStore, "releaseReservations", err)
	}
	return result.ModifiedCount, nil
}

func (r *MongoJobRepository) DeleteTerminalBefore(ctx *logctx.Context, cutoff time.Time, requireReported bool) (int64, error) {
	filter := bson.M{
		"state":            stateRangeDocument(TerminalStates),
		"lastProgressTime": bson.M{"$lt": cutoff},
	}
	if requireReported {
		filter["cost.reported"] = true
	}
	result, err := r.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, schedulererrors.StoreUnavailable(mongoStore, "deleteTerminalBefore", err)
	}
	return result.DeletedCount, nil
}

func decodeJobs(ctx *logctx.Context, cursor *mongo.Cursor, operation string) ([]*jobdb.Job, error) {
	defer cursor.Close(ctx)
	var records []*JobRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, schedulererrors.StoreUnavailable(mongoStore, operation, err)
	}
	jobs := make([]*jobdb.Job, len(records))
	for i, record := range records {
		jobs[i] = record.ToJob()
	}
	return jobs, nil
}

func stateRangeDocument(states StateRange) bson.M {
	return bson.M{"$gte": int(states.From), "$lte": int(states.To)}
}

func filterDocument(filter JobFilter) bson.M {
	doc := bson.M{}
	if len(filter.Ids) > 0 {
		doc["_id"] = bson.M{"$in": filter.Ids}
	}
	if len(filter.Types) > 0 {
		doc["type"] = bson.M{"$in": filter.Types}
	}
	if filter.States != nil {
		doc["state"] = stateRangeDocument(*filter.States)
	}
	if filter.CancelRequested != nil {
		doc["cancellation.isCancelled"] = *filter.CancelRequested
	}
	if filter.ResourceState != nil {
		doc["resourceState"] = int(*filter.ResourceState)
	}
	if filter.HasHandle != nil {
		if *filter.HasHandle {
			doc["executionHandle"] = bson.M{"$ne": ""}
		} else {
			doc["executionHandle"] = ""
		}
	}
	if filter.CostReported != nil {
		doc["cost.reported"] = *filter.CostReported
	}
	if !filter.ProgressBefore.IsZero() {
		doc["lastProgressTime"] = bson.M{"$lt": filter.ProgressBefore}
	}
	return doc
}
