package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"github.com/petrijr/caseflow/internal/testutil"
	"github.com/petrijr/caseflow/pkg/api"
)

type storeFactory func(t *testing.T) (InstanceStore, HistoryStore)

// StoreSuite runs the same contract against every backend.
type StoreSuite struct {
	suite.Suite
	newStores storeFactory

	instances InstanceStore
	history   HistoryStore
	ctx       context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.instances, s.history = s.newStores(s.T())
}

func (s *StoreSuite) newInstance(id string) *api.WorkflowInstance {
	now := time.Now()
	return &api.WorkflowInstance{
		ID:        id,
		Name:      "customer_retention",
		Status:    api.StatusPending,
		Input:     json.RawMessage(`{"subjectId":5}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *StoreSuite) TestSaveGetUpdate() {
	id := uniqueID("inst")
	inst := s.newInstance(id)
	s.Require().NoError(s.instances.SaveInstance(s.ctx, inst))

	got, err := s.instances.GetInstance(s.ctx, id)
	s.Require().NoError(err)
	s.Equal("customer_retention", got.Name)
	s.Equal(api.StatusPending, got.Status)
	s.JSONEq(`{"subjectId":5}`, string(got.Input))

	got.Status = api.StatusFailed
	got.Stage = "resolution_loop"
	got.Counters = map[string]int{"resolution_attempts": 2}
	got.Err = &api.SignalTimeoutError{Signal: "approve_resolution", Waits: 2}
	got.HistoryLen = 9
	got.UpdatedAt = time.Now()
	s.Require().NoError(s.instances.UpdateInstance(s.ctx, got))

	again, err := s.instances.GetInstance(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(api.StatusFailed, again.Status)
	s.Equal("resolution_loop", again.Stage)
	s.Equal(2, again.Counters["resolution_attempts"])
	s.Equal(int64(9), again.HistoryLen)
	s.Require().Error(again.Err)
	s.ErrorIs(again.Err, api.ErrSignalTimeout)
}

func (s *StoreSuite) TestSaveDuplicate() {
	id := uniqueID("dup")
	s.Require().NoError(s.instances.SaveInstance(s.ctx, s.newInstance(id)))
	err := s.instances.SaveInstance(s.ctx, s.newInstance(id))
	s.ErrorIs(err, ErrInstanceExists)
}

func (s *StoreSuite) TestGetMissing() {
	_, err := s.instances.GetInstance(s.ctx, uniqueID("missing"))
	s.ErrorIs(err, ErrInstanceNotFound)

	inst := s.newInstance(uniqueID("missing"))
	s.ErrorIs(s.instances.UpdateInstance(s.ctx, inst), ErrInstanceNotFound)
}

func (s *StoreSuite) TestUpdateIgnoresStaleProjection() {
	id := uniqueID("stale")
	inst := s.newInstance(id)
	s.Require().NoError(s.instances.SaveInstance(s.ctx, inst))

	newer := inst.Clone()
	newer.Status = api.StatusWaiting
	newer.HistoryLen = 7
	s.Require().NoError(s.instances.UpdateInstance(s.ctx, newer))

	older := inst.Clone()
	older.Status = api.StatusRunning
	older.HistoryLen = 4
	s.Require().NoError(s.instances.UpdateInstance(s.ctx, older))

	got, err := s.instances.GetInstance(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(api.StatusWaiting, got.Status)
	s.Equal(int64(7), got.HistoryLen)
}

func (s *StoreSuite) TestListInstancesFilters() {
	name := uniqueID("wf")
	a := s.newInstance(uniqueID("a"))
	a.Name = name
	b := s.newInstance(uniqueID("b"))
	b.Name = name
	b.Status = api.StatusCompleted
	s.Require().NoError(s.instances.SaveInstance(s.ctx, a))
	s.Require().NoError(s.instances.SaveInstance(s.ctx, b))

	all, err := s.instances.ListInstances(s.ctx, InstanceFilter{WorkflowName: name})
	s.Require().NoError(err)
	s.Len(all, 2)

	done, err := s.instances.ListInstances(s.ctx, InstanceFilter{WorkflowName: name, Status: api.StatusCompleted})
	s.Require().NoError(err)
	s.Require().Len(done, 1)
	s.Equal(b.ID, done[0].ID)

	live, err := s.instances.ListInstances(s.ctx, InstanceFilter{WorkflowName: name, NonTerminal: true})
	s.Require().NoError(err)
	s.Require().Len(live, 1)
	s.Equal(a.ID, live[0].ID)
}

func (s *StoreSuite) TestAppendAndLoadHistory() {
	id := uniqueID("hist")
	first := []api.HistoryEvent{{Type: api.EventWorkflowStarted, At: time.Now(), Name: "customer_retention", Payload: json.RawMessage(`{"subjectId":5}`)}}
	s.Require().NoError(s.history.AppendEvents(s.ctx, id, 0, first))
	s.Equal(int64(1), first[0].Seq)
	s.Equal(id, first[0].InstanceID)

	next := []api.HistoryEvent{
		{Type: api.EventActivityScheduled, At: time.Now(), Command: 1, Name: "create_case", Queue: "customer-retention-queue",
			Options: &api.ActivityOptions{Queue: "customer-retention-queue", StartToCloseTimeout: time.Minute}},
		{Type: api.EventTimerStarted, At: time.Now(), Command: 2, Name: "approve_resolution", FireAt: time.Now().Add(30 * time.Minute)},
	}
	s.Require().NoError(s.history.AppendEvents(s.ctx, id, 1, next))

	h, err := s.history.LoadHistory(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(h, 3)
	for i, ev := range h {
		s.Equal(int64(i+1), ev.Seq)
	}
	s.Equal(api.EventActivityScheduled, h[1].Type)
	s.Require().NotNil(h[1].Options)
	s.Equal(time.Minute, h[1].Options.StartToCloseTimeout)
	s.False(h[2].FireAt.IsZero())
}

func (s *StoreSuite) TestAppendConflict() {
	id := uniqueID("conflict")
	s.Require().NoError(s.history.AppendEvents(s.ctx, id, 0, []api.HistoryEvent{{Type: api.EventWorkflowStarted, At: time.Now()}}))

	err := s.history.AppendEvents(s.ctx, id, 0, []api.HistoryEvent{{Type: api.EventWorkflowStarted, At: time.Now()}})
	s.ErrorIs(err, ErrHistoryConflict)

	h, err := s.history.LoadHistory(s.ctx, id)
	s.Require().NoError(err)
	s.Len(h, 1)
}

func (s *StoreSuite) TestConcurrentAppendsHaveOneWinner() {
	id := uniqueID("race")
	s.Require().NoError(s.history.AppendEvents(s.ctx, id, 0, []api.HistoryEvent{{Type: api.EventWorkflowStarted, At: time.Now()}}))

	const writers = 4
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.history.AppendEvents(s.ctx, id, 1, []api.HistoryEvent{{Type: api.EventSignalReceived, At: time.Now(), Name: fmt.Sprintf("s%d", i)}})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	s.Equal(1, wins)
	h, err := s.history.LoadHistory(s.ctx, id)
	s.Require().NoError(err)
	s.Len(h, 2)
}

var idCounter struct {
	sync.Mutex
	n int
}

func uniqueID(prefix string) string {
	idCounter.Lock()
	defer idCounter.Unlock()
	idCounter.n++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), idCounter.n)
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

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newStores: func(t *testing.T) (InstanceStore, HistoryStore) {
		s := NewInMemoryStore()
		return s, s
	}})
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newStores: func(t *testing.T) (InstanceStore, HistoryStore) {
		s, err := NewSQLiteStore(openSQLite(t))
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		return s, s
	}})
}

func TestPostgresStoreSuite(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	suite.Run(t, &StoreSuite{newStores: func(t *testing.T) (InstanceStore, HistoryStore) {
		return store, store
	}})
}
