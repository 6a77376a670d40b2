package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/flow"
	"github.com/BTreeMap/FlowDesk/internal/models"
	"github.com/BTreeMap/FlowDesk/internal/store"
	"github.com/BTreeMap/FlowDesk/internal/tools"
)

// newTestServer builds a server over the in-memory store. The long debounce
// keeps background runs from firing during handler tests.
func newTestServer(t *testing.T) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	sessions := flow.NewAgentSessionManager(st)
	deps := &flow.Deps{History: st, Know: st, Metadata: st, Sessions: sessions}
	dispatcher := flow.NewDispatcher(flow.DispatcherConfig{
		Workflows: st,
		ExecLog:   st,
		Pauses:    flow.NewPauseService(st),
		Deps:      deps,
		Debounce:  time.Minute,
	})
	return NewServer(st, dispatcher, sessions, tools.NewRegistry(), ""), st
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthHandler(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestTurnsHandlerValidation(t *testing.T) {
	server, _ := newTestServer(t)
	mux := server.Routes()

	rec := postJSON(t, mux, "/api/v1/turns", inboundTurn{Text: "hello"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing sessionId, got %d", rec.Code)
	}

	rec = postJSON(t, mux, "/api/v1/turns", inboundTurn{SessionID: "sess-1", Text: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for blank text, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/turns", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", getRec.Code)
	}
}

func TestTurnsHandlerAcceptsTurn(t *testing.T) {
	server, _ := newTestServer(t)
	rec := postJSON(t, server.Routes(), "/api/v1/turns", inboundTurn{SessionID: "sess-1", Text: "hello"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["messageId"] == "" {
		t.Errorf("Expected generated messageId in response, got %v", resp.Result)
	}
}

func testWorkflow(id string) models.Workflow {
	return models.Workflow{
		ID:      id,
		Name:    "greeting",
		Enabled: true,
		Nodes: []models.NodeConfig{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "reply", Type: models.NodeTypeReply, Config: json.RawMessage(`{"content":"hi"}`)},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "reply"},
			{Source: "reply", Target: "end"},
		},
	}
}

func TestWorkflowsHandlerSaveAndFetch(t *testing.T) {
	server, _ := newTestServer(t)
	mux := server.Routes()

	rec := postJSON(t, mux, "/api/v1/workflows", testWorkflow("wf-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 saving workflow, got %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-1", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("Expected 200 fetching workflow, got %d", getRec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workflows/missing", nil)
	missRec := httptest.NewRecorder()
	mux.ServeHTTP(missRec, req)
	if missRec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown workflow, got %d", missRec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, req)
	if listRec.Code != http.StatusOK {
		t.Fatalf("Expected 200 listing workflows, got %d", listRec.Code)
	}
}

func TestWorkflowsHandlerRejectsInvalidGraph(t *testing.T) {
	server, _ := newTestServer(t)
	w := testWorkflow("wf-bad")
	w.Nodes = nil
	rec := postJSON(t, server.Routes(), "/api/v1/workflows", w)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty graph, got %d", rec.Code)
	}
}

func TestSessionsHandlerEndsAgentSession(t *testing.T) {
	server, st := newTestServer(t)
	mux := server.Routes()
	ctx := context.Background()

	// No active session yet.
	rec := postJSON(t, mux, "/api/v1/sessions/sess-1/agent/end", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 without active session, got %d", rec.Code)
	}

	if _, err := server.sessions.Delegate(ctx, "sess-1", "wf-agent", "be helpful"); err != nil {
		t.Fatalf("Delegate failed: %v", err)
	}
	rec = postJSON(t, mux, "/api/v1/sessions/sess-1/agent/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 ending session, got %d: %s", rec.Code, rec.Body.String())
	}
	active, err := st.FindAnyActiveAgentSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("FindAnyActiveAgentSession failed: %v", err)
	}
	if active != nil {
		t.Errorf("Expected agent session to be ended")
	}
}

func TestKnowledgeHandler(t *testing.T) {
	server, st := newTestServer(t)
	mux := server.Routes()

	rec := postJSON(t, mux, "/api/v1/knowledge", models.KnowledgeEntry{Content: "orphan"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing knowledgeBaseId, got %d", rec.Code)
	}

	rec = postJSON(t, mux, "/api/v1/knowledge", models.KnowledgeEntry{
		KnowledgeBaseID: "kb-1",
		Title:           "Returns",
		Content:         "Items can be returned within 30 days.",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 saving entry, got %d: %s", rec.Code, rec.Body.String())
	}

	results, err := st.SearchKnowledge(context.Background(), "kb-1", "returned items", 3)
	if err != nil {
		t.Fatalf("SearchKnowledge failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 hit, got %d", len(results))
	}
}

func TestToolsHandler(t *testing.T) {
	server, _ := newTestServer(t)
	mux := server.Routes()

	rec := postJSON(t, mux, "/api/v1/tools", models.ToolDefinition{Name: "check_order"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for tool without endpoint, got %d", rec.Code)
	}

	rec = postJSON(t, mux, "/api/v1/tools", models.ToolDefinition{
		Name:        "check_order",
		Description: "Look up an order by ID",
		Endpoint:    "https://internal.example.com/orders",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 registering tool, got %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, req)
	if listRec.Code != http.StatusOK {
		t.Fatalf("Expected 200 listing tools, got %d", listRec.Code)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(listRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	list, ok := resp.Result.([]interface{})
	if !ok || len(list) != 1 {
		t.Errorf("Expected 1 registered tool, got %v", resp.Result)
	}
}
