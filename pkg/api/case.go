package api

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// CaseStore holds the accumulating record of one case. Writers merge
// field-by-field; each field remembers the stage that first wrote it and
// only that stage may overwrite it.
type CaseStore interface {
	// CreateCase creates the record. It returns ErrCaseExists if caseID is taken.
	CreateCase(ctx context.Context, caseID string, subjectID int, stage string, initial map[string]any) error

	// UpdateCase upserts the given fields under stage's provenance. A field
	// owned by a different stage fails the whole update with a
	// *CaseConflictError. Unknown cases return ErrCaseNotFound.
	UpdateCase(ctx context.Context, caseID string, stage string, partial map[string]any) error

	// GetCase returns the full record or ErrCaseNotFound.
	GetCase(ctx context.Context, caseID string) (*Case, error)

	// GetCaseSummary returns a read-optimised projection reflecting every
	// update that completed before the call.
	GetCaseSummary(ctx context.Context, caseID string) (*CaseSummary, error)
}

// Case is a durable, mergeable record.
type Case struct {
	ID        string
	SubjectID int
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    map[string]CaseField
}

// CaseField is one value together with its provenance.
type CaseField struct {
	Value     json.RawMessage
	Stage     string
	UpdatedAt time.Time
}

// CaseSummary is the projection of a Case used by reporting stages.
type CaseSummary struct {
	CaseID    string                     `json:"caseId"`
	SubjectID int                        `json:"subjectId"`
	CreatedAt time.Time                  `json:"createdAt"`
	UpdatedAt time.Time                  `json:"updatedAt"`
	Fields    map[string]json.RawMessage `json:"fields"`
	// Stages maps each stage to the fields it wrote, sorted.
	Stages map[string][]string `json:"stages"`
}

// Summary builds the CaseSummary projection of c.
func (c *Case) Summary() *CaseSummary {
	s := &CaseSummary{
		CaseID:    c.ID,
		SubjectID: c.SubjectID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Fields:    make(map[string]json.RawMessage, len(c.Fields)),
		Stages:    make(map[string][]string),
	}
	for name, f := range c.Fields {
		s.Fields[name] = f.Value
		s.Stages[f.Stage] = append(s.Stages[f.Stage], name)
	}
	for _, names := range s.Stages {
		sort.Strings(names)
	}
	return s
}

// Decode unmarshals the named field into out. It reports false if the field
// is absent.
func (s *CaseSummary) Decode(field string, out any) (bool, error) {
	raw, ok := s.Fields[field]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}
