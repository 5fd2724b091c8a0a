// Package casestore implements api.CaseStore: a per-case record that stages
// fill in field by field. Every field remembers the stage that first wrote
// it. The same stage may overwrite its own fields; any other stage gets a
// *api.CaseConflictError and nothing of its update is applied.
//
// Backends: in-memory, SQLite and PostgreSQL (one SQL implementation),
// Redis and MongoDB.
package casestore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/petrijr/caseflow/pkg/api"
)

// encodeFields JSON-encodes every value of fields.
func encodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for name, v := range fields {
		if strings.TrimSpace(name) == "" {
			return nil, api.NewValidationError("field", "field name must not be empty")
		}
		raw, err := api.MarshalPayload(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", name, err)
		}
		out[name] = raw
	}
	return out, nil
}

// sortedNames returns the keys of fields in order, so that conflicts are
// detected and reported deterministically.
func sortedNames[V any](fields map[string]V) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateCaseID(caseID string) error {
	if strings.TrimSpace(caseID) == "" {
		return api.NewValidationError("caseId", "case ID must not be empty")
	}
	return nil
}
