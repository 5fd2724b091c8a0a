package casestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/caseflow/pkg/api"
)

// MongoStore keeps one document per case:
//
//	{
//	  _id:        string,   // case ID
//	  subject_id: int,
//	  created_at: time.Time,
//	  updated_at: time.Time,
//	  fields: {
//	    <name>: {value: string (JSON), stage: string, updated_at: time.Time},
//	  },
//	}
//
// UpdateCase is a single conditional $set: the filter only matches while
// every written field is absent or owned by the writing stage.
type MongoStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

var _ api.CaseStore = (*MongoStore)(nil)

// NewMongoStore returns a case store on the given collection.
// dbName defaults to "caseflow", collName to "cases".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "caseflow"
	}
	if collName == "" {
		collName = "cases"
	}
	return &MongoStore{coll: client.Database(dbName).Collection(collName), now: time.Now}
}

type mongoCaseField struct {
	Value     string    `bson:"value"`
	Stage     string    `bson:"stage"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type mongoCaseDoc struct {
	ID        string                    `bson:"_id"`
	SubjectID int                       `bson:"subject_id"`
	CreatedAt time.Time                 `bson:"created_at"`
	UpdatedAt time.Time                 `bson:"updated_at"`
	Fields    map[string]mongoCaseField `bson:"fields"`
}

// checkMongoFieldNames rejects names that would be read as paths or
// operators inside an update document.
func checkMongoFieldNames(names []string) error {
	for _, name := range names {
		if strings.Contains(name, ".") || strings.HasPrefix(name, "$") {
			return api.NewValidationError("field", fmt.Sprintf("field name %q may not contain '.' or start with '$'", name))
		}
	}
	return nil
}

func (s *MongoStore) CreateCase(ctx context.Context, caseID string, subjectID int, stage string, initial map[string]any) error {
	if err := validateCaseID(caseID); err != nil {
		return err
	}
	fields, err := encodeFields(initial)
	if err != nil {
		return err
	}
	if err := checkMongoFieldNames(sortedNames(fields)); err != nil {
		return err
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	doc := mongoCaseDoc{
		ID:        caseID,
		SubjectID: subjectID,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    make(map[string]mongoCaseField, len(fields)),
	}
	for name, raw := range fields {
		doc.Fields[name] = mongoCaseField{Value: string(raw), Stage: stage, UpdatedAt: now}
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return api.ErrCaseExists
		}
		return fmt.Errorf("create case %s: %w", caseID, err)
	}
	return nil
}

func (s *MongoStore) UpdateCase(ctx context.Context, caseID string, stage string, partial map[string]any) error {
	fields, err := encodeFields(partial)
	if err != nil {
		return err
	}
	names := sortedNames(fields)
	if err := checkMongoFieldNames(names); err != nil {
		return err
	}
	now := s.now().UTC().Truncate(time.Millisecond)

	conds := bson.A{bson.D{{Key: "_id", Value: caseID}}}
	set := bson.D{{Key: "updated_at", Value: now}}
	for _, name := range names {
		path := "fields." + name
		conds = append(conds, bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: path, Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: path + ".stage", Value: stage}},
		}}})
		set = append(set, bson.E{Key: path, Value: mongoCaseField{Value: string(fields[name]), Stage: stage, UpdatedAt: now}})
	}

	res, err := s.coll.UpdateOne(ctx, bson.D{{Key: "$and", Value: conds}}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("update case %s: %w", caseID, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	// Find out why the filter did not match.
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if f, ok := c.Fields[name]; ok && f.Stage != stage {
			return &api.CaseConflictError{CaseID: caseID, Field: name, Owner: f.Stage, Writer: stage}
		}
	}
	return fmt.Errorf("update case %s: concurrent change, retry", caseID)
}

func (s *MongoStore) GetCase(ctx context.Context, caseID string) (*api.Case, error) {
	var doc mongoCaseDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: caseID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, api.ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	c := &api.Case{
		ID:        doc.ID,
		SubjectID: doc.SubjectID,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
		Fields:    make(map[string]api.CaseField, len(doc.Fields)),
	}
	for name, f := range doc.Fields {
		c.Fields[name] = api.CaseField{Value: []byte(f.Value), Stage: f.Stage, UpdatedAt: f.UpdatedAt.UTC()}
	}
	return c, nil
}

func (s *MongoStore) GetCaseSummary(ctx context.Context, caseID string) (*api.CaseSummary, error) {
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.Summary(), nil
}
