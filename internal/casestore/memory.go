package casestore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/petrijr/caseflow/pkg/api"
)

// MemoryStore keeps cases in a map. It is meant for tests and the local
// runner.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*api.Case
	now   func() time.Time
}

var _ api.CaseStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*api.Case), now: time.Now}
}

func (s *MemoryStore) CreateCase(ctx context.Context, caseID string, subjectID int, stage string, initial map[string]any) error {
	if err := validateCaseID(caseID); err != nil {
		return err
	}
	fields, err := encodeFields(initial)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[caseID]; ok {
		return api.ErrCaseExists
	}
	now := s.now().UTC()
	c := &api.Case{
		ID:        caseID,
		SubjectID: subjectID,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    make(map[string]api.CaseField, len(fields)),
	}
	for name, raw := range fields {
		c.Fields[name] = api.CaseField{Value: raw, Stage: stage, UpdatedAt: now}
	}
	s.cases[caseID] = c
	return nil
}

func (s *MemoryStore) UpdateCase(ctx context.Context, caseID string, stage string, partial map[string]any) error {
	fields, err := encodeFields(partial)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return api.ErrCaseNotFound
	}
	for _, name := range sortedNames(fields) {
		if cur, ok := c.Fields[name]; ok && cur.Stage != stage {
			return &api.CaseConflictError{CaseID: caseID, Field: name, Owner: cur.Stage, Writer: stage}
		}
	}
	now := s.now().UTC()
	for name, raw := range fields {
		c.Fields[name] = api.CaseField{Value: raw, Stage: stage, UpdatedAt: now}
	}
	c.UpdatedAt = now
	return nil
}

func (s *MemoryStore) GetCase(ctx context.Context, caseID string) (*api.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil, api.ErrCaseNotFound
	}
	cp := *c
	cp.Fields = make(map[string]api.CaseField, len(c.Fields))
	for name, f := range c.Fields {
		f.Value = append(json.RawMessage(nil), f.Value...)
		cp.Fields[name] = f
	}
	return &cp, nil
}

func (s *MemoryStore) GetCaseSummary(ctx context.Context, caseID string) (*api.CaseSummary, error) {
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.Summary(), nil
}
