package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petrijr/caseflow/internal/httpapi"
	"github.com/petrijr/caseflow/pkg/api"
)

// client talks to the HTTP API of a running server.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: strings.TrimSuffix(base, "/"), http: &http.Client{}}
}

type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
	if e.Field != "" {
		msg += " (field " + e.Field + ")"
	}
	return msg
}

// do sends body (if any) and decodes the response into out. 2xx statuses
// are returned; others become an *apiError.
func (c *client) do(ctx context.Context, method, path string, body json.RawMessage, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var env struct {
			Error apiError `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		env.Error.Status = resp.StatusCode
		return resp.StatusCode, &env.Error
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *client) start(ctx context.Context, workflow, id string, input json.RawMessage) (*httpapi.Instance, error) {
	path := "/v1/workflows/" + url.PathEscape(workflow)
	if id != "" {
		path += "?instanceId=" + url.QueryEscape(id)
	}
	var inst httpapi.Instance
	if _, err := c.do(ctx, http.MethodPost, path, input, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *client) signal(ctx context.Context, id, name string, payload json.RawMessage) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/instances/"+url.PathEscape(id)+"/signals/"+url.PathEscape(name), payload, nil)
	return err
}

// result reports whether the instance is terminal along with its state.
func (c *client) result(ctx context.Context, id string, wait time.Duration) (*httpapi.Instance, bool, error) {
	var inst httpapi.Instance
	status, err := c.do(ctx, http.MethodGet, "/v1/instances/"+url.PathEscape(id)+"/result?wait="+wait.String(), nil, &inst)
	if err != nil {
		return nil, false, err
	}
	return &inst, status == http.StatusOK, nil
}

func (c *client) history(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	var out struct {
		Data []api.HistoryEvent `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/instances/"+url.PathEscape(id)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}
