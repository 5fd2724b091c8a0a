package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:              string,   // task ID
//	  queue:            string,
//	  payload:          []byte,   // gob-encoded Task
//	  created_at:       time.Time,
//	  not_before:       int64,    // unix nanos
//	  attempts:         int,
//	  leased_by:        string,
//	  lease_expires_at: int64,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "caseflow", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "caseflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID             string    `bson:"_id"`
	Queue          string    `bson:"queue"`
	Payload        []byte    `bson:"payload"`
	CreatedAt      time.Time `bson:"created_at"`
	NotBefore      int64     `bson:"not_before"`
	Attempts       int       `bson:"attempts"`
	LeasedBy       string    `bson:"leased_by"`
	LeaseExpiresAt int64     `bson:"lease_expires_at"`
}

// EnsureIndexes creates the index used by Dequeue. It is optional; the
// queue works without it.
func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "queue", Value: 1}, {Key: "not_before", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	doc := mongoQueueDoc{
		ID:        t.ID,
		Queue:     t.Queue,
		Payload:   data,
		CreatedAt: t.EnqueuedAt.UTC(),
		NotBefore: t.NotBefore.UnixNano(),
		Attempts:  t.Attempts,
	}
	_, err = q.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		return nil, errInvalidLease
	}
	tmr := pollTimer()
	defer tmr.Stop()

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		nowInt := now.UnixNano()
		filter := bson.M{
			"queue":      queue,
			"not_before": bson.M{"$lte": nowInt},
			"$or": []bson.M{
				{"leased_by": ""},
				{"lease_expires_at": bson.M{"$lte": nowInt}},
			},
		}
		update := bson.M{"$set": bson.M{"leased_by": owner, "lease_expires_at": now.Add(leaseTTL).UnixNano()}}

		var doc mongoQueueDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				if err := waitPoll(ctx, tmr, q.pollInterval); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		task, err := DecodeTask(doc.Payload)
		if err != nil {
			return nil, err
		}
		task.ID = doc.ID
		task.Attempts = doc.Attempts
		task.NotBefore = time.Unix(0, doc.NotBefore)
		return task, nil
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("mongo queue length failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}

func (q *MongoQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		return errInvalidLease
	}
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "leased_by": owner},
		bson.M{"$set": bson.M{"lease_expires_at": time.Now().Add(leaseTTL).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Ack(ctx context.Context, taskID string, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "leased_by": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time, attempts int) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "leased_by": owner},
		bson.M{"$set": bson.M{
			"leased_by":        "",
			"lease_expires_at": int64(0),
			"not_before":       notBefore.UnixNano(),
			"attempts":         attempts,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}
