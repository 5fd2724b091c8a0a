package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petrijr/caseflow/pkg/api"
)

// Reply is one scripted answer. A non-nil Err is returned instead of Text.
type Reply struct {
	Text  string
	Err   error
	Delay time.Duration
}

// Scripted is an in-process api.Agent that answers from per-role scripts.
// Queued replies are consumed in order; once a role's queue is empty its
// handler (or a canned answer) is used.
type Scripted struct {
	mu       sync.Mutex
	queued   map[string][]Reply
	handlers map[string]func(api.AgentRequest) (string, error)
	calls    []api.AgentRequest
}

var _ api.Agent = (*Scripted)(nil)

// NewScripted returns an empty script.
func NewScripted() *Scripted {
	return &Scripted{
		queued:   make(map[string][]Reply),
		handlers: make(map[string]func(api.AgentRequest) (string, error)),
	}
}

// On queues replies for role.
func (s *Scripted) On(role string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[role] = append(s.queued[role], replies...)
	return s
}

// Handle answers every otherwise unscripted call for role with fn.
func (s *Scripted) Handle(role string, fn func(api.AgentRequest) (string, error)) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[role] = fn
	return s
}

func (s *Scripted) Invoke(ctx context.Context, req api.AgentRequest) (*api.AgentResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var (
		reply    Reply
		scripted bool
	)
	if q := s.queued[req.Role]; len(q) > 0 {
		reply, s.queued[req.Role] = q[0], q[1:]
		scripted = true
	}
	handler := s.handlers[req.Role]
	s.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var (
		text string
		err  error
	)
	switch {
	case scripted:
		text, err = reply.Text, reply.Err
	case handler != nil:
		text, err = handler(req)
	default:
		text = fmt.Sprintf("%s report for %s", req.Role, firstLine(req.Prompt))
	}
	if err != nil {
		return nil, err
	}
	return &api.AgentResponse{Text: text, Success: true}, nil
}

// Calls returns the requests received for role, or every request if role
// is empty.
func (s *Scripted) Calls(role string) []api.AgentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.AgentRequest
	for _, c := range s.calls {
		if role == "" || c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
