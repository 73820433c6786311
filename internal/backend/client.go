// Package backend implements the HTTP contract this engine consumes: the
// questionnaire template, auto-source values, and the draft save / submit
// endpoints. The backend's storage engine is out of scope; only the
// request/response shapes matter here.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plantsafe/questengine/internal/completion"
	"github.com/plantsafe/questengine/internal/form"
	"github.com/plantsafe/questengine/internal/template"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 2 << 20 // 2 MiB
)

type Options struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing backend base URL")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		log:     logger,
	}, nil
}

// GetTemplate fetches the step/field structure for a (material, plant) pair.
// Callers substitute the built-in fallback template on any error.
func (c *Client) GetTemplate(ctx context.Context, materialCode, plantCode string) (*template.Template, error) {
	var payload struct {
		Steps []template.StepDefinition `json:"steps"`
	}
	q := url.Values{"material": {strings.TrimSpace(materialCode)}, "plant": {strings.TrimSpace(plantCode)}}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/questionnaire/template?"+q.Encode(), nil, &payload); err != nil {
		return nil, err
	}
	return &template.Template{
		MaterialCode: strings.TrimSpace(materialCode),
		PlantCode:    strings.TrimSpace(plantCode),
		Steps:        payload.Steps,
	}, nil
}

// GetAutoSourceValues fetches resolved classification values. A partial or
// empty map is a valid response.
func (c *Client) GetAutoSourceValues(ctx context.Context, materialCode, plantCode string) (map[string]string, error) {
	var payload struct {
		Values map[string]string `json:"values"`
	}
	q := url.Values{"material": {strings.TrimSpace(materialCode)}, "plant": {strings.TrimSpace(plantCode)}}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/questionnaire/autosource?"+q.Encode(), nil, &payload); err != nil {
		return nil, err
	}
	if payload.Values == nil {
		return map[string]string{}, nil
	}
	return payload.Values, nil
}

// RemoteDraft is the server-held draft state for an identity.
type RemoteDraft struct {
	Answers        map[string]form.Value `json:"answers"`
	CurrentStep    int                   `json:"current_step"`
	CompletedSteps []int                 `json:"completed_steps"`
}

// GetOrCreateDraft returns the server-side draft, or nil when the server has
// none and created an empty one.
func (c *Client) GetOrCreateDraft(ctx context.Context, materialCode, plantCode, workflowID string) (*RemoteDraft, error) {
	req := map[string]string{
		"material_code": strings.TrimSpace(materialCode),
		"plant_code":    strings.TrimSpace(plantCode),
		"workflow_id":   strings.TrimSpace(workflowID),
	}
	var payload struct {
		Draft *RemoteDraft `json:"draft"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/questionnaire/draft/get-or-create", req, &payload); err != nil {
		return nil, err
	}
	return payload.Draft, nil
}

// SaveDraftRequest is the full-state draft push. The engine always sends the
// latest complete snapshot, never diffs.
type SaveDraftRequest struct {
	WorkflowID     string                `json:"workflow_id"`
	MaterialCode   string                `json:"material_code"`
	PlantCode      string                `json:"plant_code"`
	Answers        map[string]form.Value `json:"answers"`
	CurrentStep    int                   `json:"current_step"`
	CompletedSteps []int                 `json:"completed_steps"`
}

type SaveDraftResult struct {
	Success         bool `json:"success"`
	SavedFieldCount int  `json:"saved_field_count"`
	HasChanges      bool `json:"has_changes"`
}

func (c *Client) SaveDraft(ctx context.Context, req SaveDraftRequest) (*SaveDraftResult, error) {
	var out SaveDraftResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/questionnaire/draft/save", req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return &out, errors.New("backend rejected draft save")
	}
	return &out, nil
}

// SubmitRequest carries the final snapshot plus aggregate metadata.
type SubmitRequest struct {
	WorkflowID        string                 `json:"workflow_id"`
	MaterialCode      string                 `json:"material_code"`
	PlantCode         string                 `json:"plant_code"`
	Answers           map[string]form.Value  `json:"answers"`
	CompletionPercent int                    `json:"completion_percent"`
	QueryStats        completion.StepQueries `json:"query_stats"`
}

type SubmitResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	var out SubmitResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/questionnaire/submit", req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		msg := strings.TrimSpace(out.Message)
		if msg == "" {
			msg = "backend rejected submission"
		}
		return &out, errors.New(msg)
	}
	return &out, nil
}

// Health probes backend reachability. Used by the network monitor.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any) error {
	if c == nil || c.http == nil {
		return errors.New("client not initialized")
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("backend request failed (status %d)", resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
