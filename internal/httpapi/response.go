// Package httpapi exposes the engine over HTTP: starting workflows, sending
// signals, and reading instances, histories and results.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/petrijr/caseflow/pkg/api"
)

// errorBody is the JSON envelope of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// WriteJSON writes body as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError maps engine errors to status codes. Unknown errors are 500s and
// their message is not exposed.
func WriteError(w http.ResponseWriter, err error) {
	var ve *api.ValidationError
	switch {
	case errors.As(err, &ve):
		WriteJSON(w, http.StatusUnprocessableEntity, errorBody{errorDetail{Code: "VALIDATION_ERROR", Message: ve.Message, Field: ve.Field}})
	case errors.Is(err, api.ErrWorkflowNotFound):
		WriteJSON(w, http.StatusNotFound, errorBody{errorDetail{Code: "WORKFLOW_NOT_FOUND", Message: err.Error()}})
	case errors.Is(err, api.ErrInstanceNotFound):
		WriteJSON(w, http.StatusNotFound, errorBody{errorDetail{Code: "INSTANCE_NOT_FOUND", Message: err.Error()}})
	case errors.Is(err, api.ErrInstanceExists):
		WriteJSON(w, http.StatusConflict, errorBody{errorDetail{Code: "INSTANCE_EXISTS", Message: err.Error()}})
	default:
		WriteJSON(w, http.StatusInternalServerError, errorBody{errorDetail{Code: "INTERNAL_ERROR", Message: "internal error"}})
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusBadRequest, errorBody{errorDetail{Code: "BAD_REQUEST", Message: msg}})
}

// Instance is the wire form of a workflow instance.
type Instance struct {
	ID        string          `json:"id"`
	Workflow  string          `json:"workflow"`
	Status    api.Status      `json:"status"`
	Stage     string          `json:"stage,omitempty"`
	Counters  map[string]int  `json:"counters,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// NewInstance converts inst to its wire form.
func NewInstance(inst *api.WorkflowInstance) Instance {
	out := Instance{
		ID:        inst.ID,
		Workflow:  inst.Name,
		Status:    inst.Status,
		Stage:     inst.Stage,
		Counters:  inst.Counters,
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
	}
	if len(inst.Input) > 0 {
		out.Input = inst.Input
	}
	if len(inst.Output) > 0 {
		out.Output = inst.Output
	}
	if inst.Err != nil {
		out.Error = inst.Err.Error()
	}
	return out
}
