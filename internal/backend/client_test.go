package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/plantsafe/questengine/internal/form"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{
		BaseURL: srv.URL,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func Test_GetTemplate_decodesSteps(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/questionnaire/template" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("material") != "M-1" || r.URL.Query().Get("plant") != "P-1" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"steps":[{"title":"Step","fields":[{"name":"f","label":"F","kind":"text","required":true}]}]}`))
	}))

	tpl, err := c.GetTemplate(context.Background(), "M-1", "P-1")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if len(tpl.Steps) != 1 || tpl.Steps[0].Fields[0].Name != "f" {
		t.Fatalf("template = %+v", tpl)
	}
	if tpl.MaterialCode != "M-1" || tpl.PlantCode != "P-1" {
		t.Fatalf("identity not stamped: %+v", tpl)
	}
}

func Test_GetTemplate_non2xxIsError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template service unavailable", http.StatusBadGateway)
	}))
	if _, err := c.GetTemplate(context.Background(), "M-1", "P-1"); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func Test_SaveDraft_roundTrip(t *testing.T) {
	var got SaveDraftRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/questionnaire/draft/save" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Request-Id") == "" {
			http.Error(w, "missing request id", http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(SaveDraftResult{Success: true, SavedFieldCount: len(got.Answers), HasChanges: true})
	}))

	res, err := c.SaveDraft(context.Background(), SaveDraftRequest{
		WorkflowID:   "wf-1",
		MaterialCode: "M-1",
		PlantCode:    "P-1",
		Answers:      map[string]form.Value{"f": form.String("v")},
		CurrentStep:  1,
	})
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if !res.Success || res.SavedFieldCount != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got.WorkflowID != "wf-1" || got.Answers["f"].Scalar() != "v" {
		t.Fatalf("server saw %+v", got)
	}
}

func Test_SaveDraft_unsuccessfulResponseIsError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SaveDraftResult{Success: false})
	}))
	if _, err := c.SaveDraft(context.Background(), SaveDraftRequest{WorkflowID: "wf"}); err == nil {
		t.Fatalf("expected error when success=false")
	}
}

func Test_Submit_surfacesBackendMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SubmitResult{Success: false, Message: "duplicate submission"})
	}))
	_, err := c.Submit(context.Background(), SubmitRequest{WorkflowID: "wf"})
	if err == nil || err.Error() != "duplicate submission" {
		t.Fatalf("err = %v, want backend message", err)
	}
}

func Test_Health(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	if !c.Health(context.Background()) {
		t.Fatalf("healthy backend reported unreachable")
	}

	down := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	if down.Health(context.Background()) {
		t.Fatalf("unhealthy backend reported reachable")
	}
}
