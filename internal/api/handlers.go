package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/FlowDesk/internal/models"
	"github.com/BTreeMap/FlowDesk/internal/util"
)

const defaultExecutionLimit = 50

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// inboundTurn is the payload for POST /api/v1/turns.
type inboundTurn struct {
	SessionID  string `json:"sessionId"`
	CustomerID string `json:"customerId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	Category   string `json:"category,omitempty"`
	Text       string `json:"text"`
	// Entities carries caller-extracted values (an upstream NLU pass, a
	// channel adapter) that workflows reference as {{entity.<name>}}.
	Entities map[string]string `json:"entities,omitempty"`
}

func (s *Server) turnsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.turnsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var turn inboundTurn
	if err := json.NewDecoder(r.Body).Decode(&turn); err != nil {
		slog.Warn("Server.turnsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if turn.SessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: sessionId"))
		return
	}
	if strings.TrimSpace(turn.Text) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: text"))
		return
	}
	if turn.MessageID == "" {
		turn.MessageID = util.GenerateMessageID()
	}

	s.dispatcher.HandleInbound(turn.SessionID, turn.CustomerID, turn.MessageID, turn.Category, turn.Text, turn.Entities)
	slog.Info("Server.turnsHandler: turn accepted", "sessionID", turn.SessionID, "messageID", turn.MessageID)
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Turn accepted", map[string]string{
		"messageId": turn.MessageID,
	}))
}

func (s *Server) workflowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		workflows, err := s.st.ListWorkflows(r.Context())
		if err != nil {
			slog.Error("Server.workflowsHandler: failed to list workflows", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list workflows"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(workflows))
	case http.MethodPost:
		var workflow models.Workflow
		if err := json.NewDecoder(r.Body).Decode(&workflow); err != nil {
			slog.Warn("Server.workflowsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := workflow.Validate(); err != nil {
			slog.Warn("Server.workflowsHandler: validation failed", "error", err, "workflowID", workflow.ID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := s.st.SaveWorkflow(r.Context(), &workflow); err != nil {
			slog.Error("Server.workflowsHandler: failed to save workflow", "error", err, "workflowID", workflow.ID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save workflow"))
			return
		}
		// Compiled graphs are cached per workflow; the next run recompiles.
		s.dispatcher.Invalidate(workflow.ID)
		slog.Info("Server.workflowsHandler: workflow saved", "workflowID", workflow.ID, "name", workflow.Name)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Workflow saved", map[string]string{
			"id": workflow.ID,
		}))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) workflowByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/workflows/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid workflow ID"))
		return
	}
	workflow, err := s.st.GetWorkflow(r.Context(), id)
	if errors.Is(err, models.ErrWorkflowNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Workflow not found"))
		return
	}
	if err != nil {
		slog.Error("Server.workflowByIDHandler: failed to load workflow", "error", err, "workflowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load workflow"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(workflow))
}

// sessionsHandler serves POST /api/v1/sessions/{sessionId}/agent/end, which
// forcibly closes a takeover so the next turn falls back to normal dispatch.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "agent" || parts[2] != "end" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := parts[0]

	active, err := s.sessions.FindAnyActive(r.Context(), sessionID)
	if err != nil {
		slog.Error("Server.sessionsHandler: agent session lookup failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up agent session"))
		return
	}
	if active == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active agent session"))
		return
	}
	if err := s.sessions.End(r.Context(), sessionID, active.WorkflowID); err != nil {
		slog.Error("Server.sessionsHandler: failed to end agent session", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to end agent session"))
		return
	}
	slog.Info("Server.sessionsHandler: agent session ended", "sessionID", sessionID, "workflowID", active.WorkflowID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Agent session ended", nil))
}

func (s *Server) executionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/v1/executions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid session ID"))
		return
	}
	records, err := s.st.RecentNodeExecutions(r.Context(), sessionID, defaultExecutionLimit)
	if err != nil {
		slog.Error("Server.executionsHandler: failed to load executions", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load executions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) knowledgeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var entry models.KnowledgeEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		slog.Warn("Server.knowledgeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if entry.KnowledgeBaseID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: knowledgeBaseId"))
		return
	}
	if strings.TrimSpace(entry.Content) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: content"))
		return
	}
	if err := s.st.AddKnowledgeEntry(r.Context(), &entry); err != nil {
		slog.Error("Server.knowledgeHandler: failed to save entry", "error", err, "kb", entry.KnowledgeBaseID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save knowledge entry"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Knowledge entry saved", map[string]string{
		"id": entry.ID,
	}))
}

func (s *Server) toolsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		writeJSONResponse(w, http.StatusOK, models.Success(s.tools.List()))
	case http.MethodPost:
		var def models.ToolDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			slog.Warn("Server.toolsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := s.tools.RegisterHTTP(def); err != nil {
			slog.Warn("Server.toolsHandler: registration failed", "error", err, "tool", def.Name)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Info("Server.toolsHandler: tool registered", "tool", def.Name, "endpoint", def.Endpoint)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Tool registered", nil))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
