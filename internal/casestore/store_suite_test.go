package casestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/caseflow/internal/testutil"
	"github.com/petrijr/caseflow/pkg/api"
)

// CaseStoreSuite runs the same contract against every backend.
type CaseStoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) api.CaseStore

	store api.CaseStore
	ctx   context.Context
}

func (s *CaseStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

var caseSeq atomic.Int64

func uniqueCaseID() string {
	return fmt.Sprintf("retention_%d_%d", caseSeq.Add(1), time.Now().UnixNano())
}

func (s *CaseStoreSuite) createCase() string {
	id := uniqueCaseID()
	err := s.store.CreateCase(s.ctx, id, 5, "case_created", map[string]any{
		"complaint": "GPU order delayed three weeks",
		"urgency":   "urgent",
	})
	s.Require().NoError(err)
	return id
}

func (s *CaseStoreSuite) TestCreateAndGet() {
	id := s.createCase()

	c, err := s.store.GetCase(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(id, c.ID)
	s.Equal(5, c.SubjectID)
	s.False(c.CreatedAt.IsZero())
	s.Require().Len(c.Fields, 2)
	s.JSONEq(`"urgent"`, string(c.Fields["urgency"].Value))
	s.Equal("case_created", c.Fields["complaint"].Stage)
}

func (s *CaseStoreSuite) TestCreateDuplicate() {
	id := s.createCase()
	err := s.store.CreateCase(s.ctx, id, 6, "case_created", nil)
	s.ErrorIs(err, api.ErrCaseExists)

	c, err := s.store.GetCase(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(5, c.SubjectID, "duplicate create must not overwrite")
}

func (s *CaseStoreSuite) TestCreateRejectsEmptyID() {
	err := s.store.CreateCase(s.ctx, " ", 1, "case_created", nil)
	s.True(api.IsValidationError(err), "got %v", err)
}

func (s *CaseStoreSuite) TestMissingCase() {
	_, err := s.store.GetCase(s.ctx, "missing-"+uniqueCaseID())
	s.ErrorIs(err, api.ErrCaseNotFound)

	_, err = s.store.GetCaseSummary(s.ctx, "missing-"+uniqueCaseID())
	s.ErrorIs(err, api.ErrCaseNotFound)

	err = s.store.UpdateCase(s.ctx, "missing-"+uniqueCaseID(), "strategy", map[string]any{"x": 1})
	s.ErrorIs(err, api.ErrCaseNotFound)
}

func (s *CaseStoreSuite) TestUpdateMergesStages() {
	id := s.createCase()

	s.Require().NoError(s.store.UpdateCase(s.ctx, id, "customer_intelligence", map[string]any{
		"customer_intelligence": map[string]any{"success": true, "churnRisk": "high"},
	}))
	s.Require().NoError(s.store.UpdateCase(s.ctx, id, "operations_investigation", map[string]any{
		"operations_investigation": map[string]any{"success": true},
	}))

	c, err := s.store.GetCase(s.ctx, id)
	s.Require().NoError(err)
	s.Len(c.Fields, 4)
	s.Equal("customer_intelligence", c.Fields["customer_intelligence"].Stage)
	s.Equal("operations_investigation", c.Fields["operations_investigation"].Stage)
	s.JSONEq(`{"success":true,"churnRisk":"high"}`, string(c.Fields["customer_intelligence"].Value))
	s.False(c.UpdatedAt.Before(c.CreatedAt))
}

func (s *CaseStoreSuite) TestSameStageOverwrites() {
	id := s.createCase()

	s.Require().NoError(s.store.UpdateCase(s.ctx, id, "resolution", map[string]any{"proposal": "refund 10%"}))
	s.Require().NoError(s.store.UpdateCase(s.ctx, id, "resolution", map[string]any{"proposal": "refund 20%"}))

	c, err := s.store.GetCase(s.ctx, id)
	s.Require().NoError(err)
	s.JSONEq(`"refund 20%"`, string(c.Fields["proposal"].Value))
	s.Equal("resolution", c.Fields["proposal"].Stage)
}

func (s *CaseStoreSuite) TestCrossStageConflictWritesNothing() {
	id := s.createCase()

	err := s.store.UpdateCase(s.ctx, id, "strategy", map[string]any{
		"urgency":  "low",
		"strategy": "offer discount",
	})
	s.Require().Error(err)
	s.ErrorIs(err, api.ErrCaseConflict)

	var conflict *api.CaseConflictError
	s.Require().True(errors.As(err, &conflict))
	s.Equal("urgency", conflict.Field)
	s.Equal("case_created", conflict.Owner)
	s.Equal("strategy", conflict.Writer)

	c, err := s.store.GetCase(s.ctx, id)
	s.Require().NoError(err)
	s.JSONEq(`"urgent"`, string(c.Fields["urgency"].Value))
	_, written := c.Fields["strategy"]
	s.False(written, "a rejected update must not apply any field")
}

func (s *CaseStoreSuite) TestSummaryReflectsCompletedWrites() {
	id := s.createCase()
	s.Require().NoError(s.store.UpdateCase(s.ctx, id, "strategy", map[string]any{"strategy": "call the customer"}))

	sum, err := s.store.GetCaseSummary(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(id, sum.CaseID)
	s.Equal(5, sum.SubjectID)
	s.Equal([]string{"complaint", "urgency"}, sum.Stages["case_created"])
	s.Equal([]string{"strategy"}, sum.Stages["strategy"])

	var strategy string
	ok, err := sum.Decode("strategy", &strategy)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("call the customer", strategy)
}

func (s *CaseStoreSuite) TestConcurrentWritersOneOwner() {
	id := s.createCase()

	const writers = 8
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
		others    = make(chan error, writers)
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(stage string) {
			defer wg.Done()
			err := s.store.UpdateCase(s.ctx, id, stage, map[string]any{"owner": stage})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, api.ErrCaseConflict):
				conflicts.Add(1)
			default:
				others <- err
			}
		}(fmt.Sprintf("stage-%d", i))
	}
	wg.Wait()
	close(others)
	for err := range others {
		s.Failf("unexpected error", "%v", err)
	}

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(writers-1), conflicts.Load())

	c, err := s.store.GetCase(s.ctx, id)
	s.Require().NoError(err)
	s.JSONEq(fmt.Sprintf("%q", c.Fields["owner"].Stage), string(c.Fields["owner"].Value))
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMemoryCaseStoreSuite(t *testing.T) {
	suite.Run(t, &CaseStoreSuite{newStore: func(t *testing.T) api.CaseStore {
		return NewMemoryStore()
	}})
}

func TestSQLiteCaseStoreSuite(t *testing.T) {
	suite.Run(t, &CaseStoreSuite{newStore: func(t *testing.T) api.CaseStore {
		s, err := NewSQLiteStore(openSQLite(t))
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		return s
	}})
}

func TestPostgresCaseStoreSuite(t *testing.T) {
	db, err := sql.Open("pgx", testutil.GetPostgresDSN(t))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	suite.Run(t, &CaseStoreSuite{newStore: func(t *testing.T) api.CaseStore {
		return store
	}})
}

func TestRedisCaseStoreSuite(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	suite.Run(t, &CaseStoreSuite{newStore: func(t *testing.T) api.CaseStore {
		return NewRedisStore(client, fmt.Sprintf("caseflow-test-%d:", time.Now().UnixNano()), time.Hour)
	}})
}

func TestRedisStore_ZeroTTLKeepsIdleCases(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	prefix := fmt.Sprintf("caseflow-ttl-%d:", time.Now().UnixNano())

	expiring := NewRedisStore(client, prefix+"short:", time.Second)
	forever := NewRedisStore(client, prefix+"forever:", 0)
	for _, store := range []*RedisStore{expiring, forever} {
		if err := store.CreateCase(ctx, "case-1", 7, "id_generation", map[string]any{"complaint": "late"}); err != nil {
			t.Fatalf("CreateCase failed: %v", err)
		}
		if err := store.UpdateCase(ctx, "case-1", "resolution_loop", map[string]any{"resolution": "refund"}); err != nil {
			t.Fatalf("UpdateCase failed: %v", err)
		}
	}

	for _, key := range forever.keys("case-1") {
		ttl, err := client.TTL(ctx, key).Result()
		if err != nil {
			t.Fatalf("TTL %s failed: %v", key, err)
		}
		if ttl != -1 {
			t.Fatalf("expected %s to have no expiry, got %v", key, ttl)
		}
	}

	// Idle longer than the short TTL.
	time.Sleep(2 * time.Second)

	if _, err := expiring.GetCase(ctx, "case-1"); !errors.Is(err, api.ErrCaseNotFound) {
		t.Fatalf("expected expired case to be gone, got %v", err)
	}
	summary, err := forever.GetCaseSummary(ctx, "case-1")
	if err != nil {
		t.Fatalf("GetCaseSummary after idle period failed: %v", err)
	}
	if len(summary.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(summary.Fields))
	}
}

func TestMongoCaseStoreSuite(t *testing.T) {
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(testutil.GetMongoURI(t)))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	suite.Run(t, &CaseStoreSuite{newStore: func(t *testing.T) api.CaseStore {
		return NewMongoStore(client, "caseflow_test", fmt.Sprintf("cases_%d", time.Now().UnixNano()))
	}})
}

func TestMongoStore_RejectsPathLikeFieldNames(t *testing.T) {
	if err := checkMongoFieldNames([]string{"ok", "a.b"}); !api.IsValidationError(err) {
		t.Fatalf("expected validation error for dotted name, got %v", err)
	}
	if err := checkMongoFieldNames([]string{"$set"}); !api.IsValidationError(err) {
		t.Fatalf("expected validation error for operator name, got %v", err)
	}
	if err := checkMongoFieldNames([]string{"customer_intelligence"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
