// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package api exposes the escalation and approval services over HTTP.
// All business endpoints live under /api/v1 behind JWT auth; the token's
// workspace claim scopes every query.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"axonflow/escalation/approval"
	"axonflow/escalation/escalation"
	"axonflow/escalation/shared/logger"
)

// Server holds the handler dependencies.
type Server struct {
	escalations *escalation.Service
	tracker     *escalation.Tracker
	approvals   *approval.Service
	log         *logger.Logger
}

// NewServer creates the HTTP server facade.
func NewServer(escalations *escalation.Service, tracker *escalation.Tracker, approvals *approval.Service) *Server {
	return &Server{
		escalations: escalations,
		tracker:     tracker,
		approvals:   approvals,
		log:         logger.New("escalation-api"),
	}
}

// Routes registers all endpoints on the router. Health stays outside the
// authenticated subtree.
func (s *Server) Routes(r *mux.Router, jwtSecret []byte) {
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(AuthMiddleware(jwtSecret))

	api.HandleFunc("/escalations/check", s.checkEscalationHandler).Methods("POST")
	api.HandleFunc("/escalations/stats", s.statsHandler).Methods("GET")
	api.HandleFunc("/escalations/patterns", s.patternsHandler).Methods("GET")
	api.HandleFunc("/escalations", s.listEscalationsHandler).Methods("GET")
	api.HandleFunc("/escalations/{id}", s.getEscalationHandler).Methods("GET")
	api.HandleFunc("/escalations/{id}/assign", s.assignEscalationHandler).Methods("POST")
	api.HandleFunc("/escalations/{id}/resolve", s.resolveEscalationHandler).Methods("POST")
	api.HandleFunc("/escalations/{id}/fail", s.failEscalationHandler).Methods("POST")
	api.HandleFunc("/escalations/{id}/cancel", s.cancelEscalationHandler).Methods("POST")

	api.HandleFunc("/escalation-rules", s.listRulesHandler).Methods("GET")
	api.HandleFunc("/escalation-rules", s.createRuleHandler).Methods("POST")
	api.HandleFunc("/escalation-rules/{id}", s.getRuleHandler).Methods("GET")
	api.HandleFunc("/escalation-rules/{id}", s.updateRuleHandler).Methods("PUT")
	api.HandleFunc("/escalation-rules/{id}", s.deleteRuleHandler).Methods("DELETE")

	api.HandleFunc("/agents/{id}/performance", s.agentPerformanceHandler).Methods("GET")

	api.HandleFunc("/approvals", s.createApprovalHandler).Methods("POST")
	api.HandleFunc("/approvals/pending", s.pendingApprovalsHandler).Methods("GET")
	api.HandleFunc("/approvals/{id}", s.getApprovalHandler).Methods("GET")
	api.HandleFunc("/approvals/{id}/approve", s.approveHandler).Methods("POST")
	api.HandleFunc("/approvals/{id}/reject", s.rejectHandler).Methods("POST")
	api.HandleFunc("/approvals/{id}/request-changes", s.requestChangesHandler).Methods("POST")
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "escalation"})
}

// --- escalations ---

func (s *Server) checkEscalationHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	var body struct {
		Context  escalation.RuleEvaluationContext `json:"context"`
		TaskData map[string]interface{}           `json:"task_data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body.Context.WorkspaceID = identity.WorkspaceID

	event, err := s.escalations.CheckEscalation(r.Context(), &body.Context, body.TaskData)
	if err != nil {
		s.log.ErrorWithErr(identity.WorkspaceID, "", "escalation check failed", err, nil)
		writeError(w, http.StatusInternalServerError, "escalation check failed")
		return
	}

	if event == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"escalated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escalated": true, "event": event})
}

func (s *Server) listEscalationsHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	events, total, err := s.tracker.GetEscalationHistory(r.Context(),
		identity.WorkspaceID, r.URL.Query().Get("project_id"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list escalations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) getEscalationHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	event, err := s.escalations.GetEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load escalation")
		return
	}
	if event == nil || event.WorkspaceID != identity.WorkspaceID {
		writeError(w, http.StatusNotFound, "escalation not found")
		return
	}

	writeJSON(w, http.StatusOK, event)
}

func (s *Server) assignEscalationHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	event, err := s.escalations.GetEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load escalation")
		return
	}
	if event == nil || event.WorkspaceID != identity.WorkspaceID {
		writeError(w, http.StatusNotFound, "escalation not found")
		return
	}

	if err := s.escalations.AssignEscalation(r.Context(), event, body.AgentID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) resolveEscalationHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResolutionData map[string]interface{} `json:"resolution_data,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.escalations.ResolveEscalation(r.Context(), mux.Vars(r)["id"], body.ResolutionData); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve escalation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) failEscalationHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ErrorMessage string `json:"error_message,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.escalations.FailEscalation(r.Context(), mux.Vars(r)["id"], body.ErrorMessage); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fail escalation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) cancelEscalationHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.escalations.CancelEscalation(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel escalation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	days := queryInt(r, "days", 7)

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	stats, err := s.tracker.GetEscalationStats(r.Context(),
		identity.WorkspaceID, r.URL.Query().Get("project_id"), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) patternsHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	days := queryInt(r, "days", 30)

	patterns, err := s.tracker.DetectPatterns(r.Context(),
		identity.WorkspaceID, r.URL.Query().Get("project_id"), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to detect patterns")
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (s *Server) agentPerformanceHandler(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)

	perf, err := s.tracker.GetAgentPerformance(r.Context(), mux.Vars(r)["id"], days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute agent performance")
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

// --- rules ---

// ruleRequest is the wire form of a rule: the condition arrives as a raw
// document and is decoded against the declared rule type.
type ruleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`

	RuleType  string          `json:"rule_type"`
	Condition json.RawMessage `json:"condition"`

	Severity string `json:"severity"`
	Reason   string `json:"reason"`
	Priority int    `json:"priority"`

	TargetAgentType string `json:"target_agent_type,omitempty"`
	AutoAssign      bool   `json:"auto_assign"`

	NotifyWebSocket    bool                           `json:"notify_websocket"`
	NotifyEmail        bool                           `json:"notify_email"`
	NotifySlack        bool                           `json:"notify_slack"`
	NotificationConfig *escalation.NotificationConfig `json:"notification_config,omitempty"`

	Enabled bool `json:"enabled"`
}

func (req *ruleRequest) toRule(workspaceID string) (*escalation.EscalationRule, error) {
	ruleType, err := escalation.ValidateRuleType(req.RuleType)
	if err != nil {
		return nil, err
	}
	severity, err := escalation.ValidateSeverity(req.Severity)
	if err != nil {
		return nil, err
	}
	reason, err := escalation.ValidateReason(req.Reason)
	if err != nil {
		return nil, err
	}
	condition, err := escalation.DecodeCondition(ruleType, req.Condition)
	if err != nil {
		return nil, err
	}

	return &escalation.EscalationRule{
		WorkspaceID:        workspaceID,
		ProjectID:          req.ProjectID,
		Name:               req.Name,
		Description:        req.Description,
		RuleType:           ruleType,
		Condition:          condition,
		Severity:           severity,
		Reason:             reason,
		Priority:           req.Priority,
		TargetAgentType:    req.TargetAgentType,
		AutoAssign:         req.AutoAssign,
		NotifyWebSocket:    req.NotifyWebSocket,
		NotifyEmail:        req.NotifyEmail,
		NotifySlack:        req.NotifySlack,
		NotificationConfig: req.NotificationConfig,
		Enabled:            req.Enabled,
	}, nil
}

func (s *Server) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule, err := req.toRule(identity.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.escalations.CreateRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	rules, err := s.escalations.ListRules(r.Context(), identity.WorkspaceID, r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (s *Server) getRuleHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	rule, err := s.escalations.GetRule(r.Context(), identity.WorkspaceID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRuleHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule, err := req.toRule(identity.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = mux.Vars(r)["id"]

	if err := s.escalations.UpdateRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	if err := s.escalations.DeleteRule(r.Context(), identity.WorkspaceID, mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- approvals ---

func (s *Server) createApprovalHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	var params approval.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	params.WorkspaceID = identity.WorkspaceID

	if params.StepExecutionID == "" || params.Title == "" {
		writeError(w, http.StatusBadRequest, "step_execution_id and title are required")
		return
	}

	req, err := s.approvals.CreateApprovalRequest(r.Context(), params)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create approval request")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) pendingApprovalsHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	requests, err := s.approvals.GetPendingApprovals(r.Context(), identity.WorkspaceID,
		r.URL.Query().Get("project_id"), r.URL.Query().Get("workflow_execution_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": requests})
}

func (s *Server) getApprovalHandler(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	req, err := s.approvals.GetApproval(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "approval not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load approval")
		return
	}
	if req.WorkspaceID != identity.WorkspaceID {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type approvalResponseBody struct {
	Feedback     string                 `json:"feedback,omitempty"`
	ResponseData map[string]interface{} `json:"response_data,omitempty"`
}

func (s *Server) approveHandler(w http.ResponseWriter, r *http.Request) {
	s.respondApproval(w, r, s.approvals.Approve)
}

func (s *Server) rejectHandler(w http.ResponseWriter, r *http.Request) {
	s.respondApproval(w, r, s.approvals.Reject)
}

func (s *Server) requestChangesHandler(w http.ResponseWriter, r *http.Request) {
	s.respondApproval(w, r, s.approvals.RequestChanges)
}

func (s *Server) respondApproval(w http.ResponseWriter, r *http.Request,
	respond func(ctx context.Context, approvalID, actor, feedback string, responseData map[string]interface{}) (*approval.Request, error)) {
	identity := IdentityFromContext(r.Context())

	var body approvalResponseBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	actor := identity.Email
	if actor == "" {
		actor = identity.UserID
	}

	req, err := respond(r.Context(), mux.Vars(r)["id"], actor, body.Feedback, body.ResponseData)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			writeError(w, http.StatusNotFound, "approval not found")
		case errors.Is(err, approval.ErrNotPending):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to record response")
		}
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
