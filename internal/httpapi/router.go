package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/caseflow/pkg/api"
)

const (
	maxBodySize    = 1 << 20
	defaultMaxWait = 5 * time.Minute
)

// Dependencies holds what the router needs.
type Dependencies struct {
	Engine api.Engine
	Logger *slog.Logger

	// Metrics, if set, is served on /metrics.
	Metrics http.Handler

	// MaxResultWait caps the wait parameter of the result endpoint.
	MaxResultWait time.Duration
}

// NewRouter returns the HTTP API.
//
//	POST /v1/workflows/{name}                   start an instance
//	POST /v1/instances/{id}/signals/{signal}    send a signal
//	GET  /v1/instances                          list instances
//	GET  /v1/instances/{id}                     read an instance
//	GET  /v1/instances/{id}/history             read the event log
//	GET  /v1/instances/{id}/result?wait=30s     wait for the outcome
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxWait := deps.MaxResultWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	h := &handlers{engine: deps.Engine, logger: logger, maxWait: maxWait}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequestLogging(logger))
		r.Post("/workflows/{name}", h.start)
		r.Get("/instances", h.list)
		r.Route("/instances/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Get("/history", h.history)
			r.Get("/result", h.result)
			r.Post("/signals/{signal}", h.signal)
		})
	})
	return r
}

type handlers struct {
	engine  api.Engine
	logger  *slog.Logger
	maxWait time.Duration
}

// readPayload returns the raw JSON body. An empty body reads as null.
func readPayload(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, errors.New("request body too large")
	}
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, errors.New("invalid JSON body")
	}
	return body, nil
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	input, err := readPayload(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var opts []api.StartOption
	if id := r.URL.Query().Get("instanceId"); id != "" {
		opts = append(opts, api.WithInstanceID(id))
	}
	inst, err := h.engine.Start(r.Context(), chi.URLParam(r, "name"), input, opts...)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, NewInstance(inst))
}

func (h *handlers) signal(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	id, name := chi.URLParam(r, "id"), chi.URLParam(r, "signal")
	if err := h.engine.Signal(r.Context(), id, name, payload); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"instanceId": id, "signal": name})
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	insts, err := h.engine.ListInstances(r.Context(), api.InstanceListOptions{
		WorkflowName: q.Get("workflow"),
		Status:       api.Status(q.Get("status")),
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	out := make([]Instance, 0, len(insts))
	for _, inst := range insts {
		out = append(out, NewInstance(inst))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, NewInstance(inst))
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}

// result waits up to ?wait for the instance to finish. A terminal instance is
// returned with 200, one still running with 202.
func (h *handlers) result(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var wait time.Duration
	if s := r.URL.Query().Get("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			writeBadRequest(w, "wait must be a non-negative duration such as 30s")
			return
		}
		wait = min(d, h.maxWait)
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		err := h.engine.Result(ctx, id, nil)
		cancel()
		if errors.Is(err, api.ErrInstanceNotFound) {
			WriteError(w, err)
			return
		}
	}

	inst, err := h.engine.GetInstance(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	status := http.StatusOK
	if !inst.Status.Terminal() {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, NewInstance(inst))
}
