// Package conversation implements the interactive conversation workflow: an
// agent answers a query, the user replies through the user_feedback signal,
// and the exchange continues until the user is done or stops answering.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/caseflow/pkg/api"
)

const (
	WorkflowName    = "interactive_conversation"
	Queue           = "interactive-conversation-queue"
	ActivityProcess = "process_with_agent"
	SignalFeedback  = "user_feedback"
	Role            = "conversation"
	CounterTurns    = "turns"
)

// DefaultFollowUp is asked when the user wants to continue without saying
// what about.
const DefaultFollowUp = "Can you explain that further or provide more details?"

// DefaultFeedbackTimeout ends a conversation nobody answers.
const DefaultFeedbackTimeout = 30 * time.Minute

// Input starts a conversation.
type Input struct {
	InitialQuery string `json:"initialQuery"`
	ThreadID     string `json:"threadId"`

	// FeedbackTimeout overrides DefaultFeedbackTimeout.
	FeedbackTimeout api.Duration `json:"feedbackTimeout,omitempty"`
}

func (in Input) Validate() error {
	if strings.TrimSpace(in.InitialQuery) == "" {
		return api.NewValidationError("initialQuery", "must not be empty")
	}
	if strings.TrimSpace(in.ThreadID) == "" {
		return api.NewValidationError("threadId", "must not be empty")
	}
	if in.FeedbackTimeout < 0 {
		return api.NewValidationError("feedbackTimeout", "must not be negative")
	}
	return nil
}

// Feedback is the payload of the user_feedback signal. On the wire it is
// [continue, message?]; a bare boolean and {"continue":..,"message":..} are
// accepted too.
type Feedback struct {
	Continue bool   `json:"continue"`
	Message  string `json:"message,omitempty"`
}

func (f *Feedback) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		return errors.New("empty feedback")
	case data[0] == '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if len(parts) == 0 || len(parts) > 2 {
			return errors.New("feedback must be [continue, message?]")
		}
		if err := json.Unmarshal(parts[0], &f.Continue); err != nil {
			return errors.New("feedback continue flag must be a boolean")
		}
		f.Message = ""
		if len(parts) == 2 && string(bytes.TrimSpace(parts[1])) != "null" {
			if err := json.Unmarshal(parts[1], &f.Message); err != nil {
				return errors.New("feedback message must be a string")
			}
		}
		return nil
	case data[0] == '{':
		type plain Feedback
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*f = Feedback(p)
		return nil
	default:
		*f = Feedback{}
		return json.Unmarshal(data, &f.Continue)
	}
}

// MarshalJSON writes the tuple form.
func (f Feedback) MarshalJSON() ([]byte, error) {
	if f.Message == "" {
		return json.Marshal([]any{f.Continue})
	}
	return json.Marshal([]any{f.Continue, f.Message})
}

// Turn is one query and the agent's answer.
type Turn struct {
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Output is the terminal result of a conversation.
type Output struct {
	ConversationComplete bool   `json:"conversationComplete"`
	TotalTurns           int    `json:"totalTurns"`
	ThreadID             string `json:"threadId"`
	FinalResponse        string `json:"finalResponse"`
	History              []Turn `json:"history"`
}

// Query is the input of process_with_agent.
type Query struct {
	Query    string `json:"query"`
	ThreadID string `json:"threadId"`
}

// Answer is the output of process_with_agent.
type Answer struct {
	Response string `json:"response"`
	Success  bool   `json:"success"`
}

// Activities answers conversation queries with an agent.
type Activities struct {
	Agent  api.Agent
	Logger *slog.Logger
}

// ProcessWithAgent sends one query to the agent on the conversation's
// thread.
func (a *Activities) ProcessWithAgent(ctx context.Context, q Query) (Answer, error) {
	resp, err := a.Agent.Invoke(ctx, api.AgentRequest{Role: Role, ThreadID: q.ThreadID, Prompt: q.Query})
	if err != nil {
		return Answer{}, err
	}
	if a.Logger != nil {
		a.Logger.DebugContext(ctx, "conversation turn answered", slog.String("thread_id", q.ThreadID))
	}
	return Answer{Response: resp.Text, Success: resp.Success}, nil
}

// Definition returns the workflow definition.
func Definition() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name:     WorkflowName,
		Fn:       api.TypedWorkflow(run),
		Validate: api.ValidateJSON[Input](),
		Signals: []api.SignalDefinition{
			{Name: SignalFeedback, Validate: api.ValidateJSON[Feedback]()},
		},
	}
}

// Register registers the workflow and its activity on r.
func Register(r api.Registrar, acts *Activities) error {
	if err := r.RegisterWorkflow(Definition()); err != nil {
		return err
	}
	return r.RegisterActivity(api.ActivityDefinition{
		Name: ActivityProcess,
		Fn:   api.TypedActivity(acts.ProcessWithAgent),
	})
}

func run(wctx api.WorkflowContext, in Input) (*Output, error) {
	timeout := time.Duration(in.FeedbackTimeout)
	if timeout <= 0 {
		timeout = DefaultFeedbackTimeout
	}
	opts := api.ActivityOptions{Queue: Queue, StartToCloseTimeout: 10 * time.Minute}

	var history []Turn
	query := in.InitialQuery
	for {
		var answer Answer
		if err := wctx.ExecuteActivity(ActivityProcess, opts, Query{Query: query, ThreadID: in.ThreadID}).Get(&answer); err != nil {
			return nil, err
		}
		history = append(history, Turn{
			Query:     query,
			Response:  answer.Response,
			Success:   answer.Success,
			Timestamp: wctx.Now(),
		})
		if err := wctx.SetCounter(CounterTurns, len(history)); err != nil {
			return nil, err
		}

		var fb Feedback
		err := wctx.AwaitSignal(SignalFeedback, timeout, &fb)
		if errors.Is(err, api.ErrSignalTimeout) {
			wctx.Logger().Info("no feedback received, ending conversation", slog.String("thread_id", in.ThreadID))
			break
		}
		if err != nil {
			return nil, err
		}
		if !fb.Continue {
			break
		}
		query = fb.Message
		if strings.TrimSpace(query) == "" {
			query = DefaultFollowUp
		}
	}

	return &Output{
		ConversationComplete: true,
		TotalTurns:           len(history),
		ThreadID:             in.ThreadID,
		FinalResponse:        history[len(history)-1].Response,
		History:              history,
	}, nil
}
