package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/campaigner/internal/campaign"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/queue"
	"github.com/foxzi/campaigner/internal/schedule"
)

// CreateCampaignRequest is the request body for POST /api/v1/campaigns.
type CreateCampaignRequest struct {
	UserID    string          `json:"user_id"`
	Name      string          `json:"name"`
	Subject   string          `json:"subject"`
	Body      string          `json:"body"`
	HTML      string          `json:"html,omitempty"`
	FromEmail string          `json:"from_email"`
	FromName  string          `json:"from_name,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Priority  int             `json:"priority,omitempty"`
	Schedule  json.RawMessage `json:"schedule,omitempty"`
	Variables json.RawMessage `json:"variables,omitempty"`
	ABTestID  string          `json:"ab_test_id,omitempty"`
}

// AddRecipientsRequest is the request body for POST /api/v1/campaigns/{id}/recipients.
type AddRecipientsRequest struct {
	Recipients []struct {
		Email     string          `json:"email"`
		Name      string          `json:"name,omitempty"`
		Variables json.RawMessage `json:"variables,omitempty"`
	} `json:"recipients"`
}

// AddRecipientsResponse reports how many recipients were new.
type AddRecipientsResponse struct {
	Added int `json:"added"`
	Total int `json:"total"`
}

// CreateABTestRequest is the request body for POST /api/v1/abtests.
type CreateABTestRequest struct {
	CampaignID string            `json:"campaign_id"`
	Name       string            `json:"name"`
	Metric     string            `json:"metric"`
	Test       models.ABTest     `json:"settings"`
	Variants   []*models.Variant `json:"variants"`
}

// DeclareWinnerRequest is the request body for POST /api/v1/abtests/{id}/winner.
type DeclareWinnerRequest struct {
	VariantID string `json:"variant_id"`
}

// QueueResponse is the response for GET /api/v1/queue.
type QueueResponse struct {
	Overview *queue.Overview `json:"overview"`
}

// TasksResponse is the response for GET /api/v1/queue/tasks.
type TasksResponse struct {
	Tasks []*queue.Task `json:"tasks"`
}

// StatusResponse acknowledges a lifecycle command.
type StatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status string       `json:"status"`
	Uptime string       `json:"uptime"`
	Queue  *queue.Stats `json:"queue,omitempty"`
}

// ErrorResponse is the error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreateCampaign handles POST /api/v1/campaigns.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.FromEmail == "" {
		s.sendError(w, http.StatusBadRequest, "from_email is required")
		return
	}
	if _, err := mail.ParseAddress(req.FromEmail); err != nil {
		s.sendError(w, http.StatusBadRequest, "from_email is not a valid address")
		return
	}
	if req.Subject == "" {
		s.sendError(w, http.StatusBadRequest, "subject is required")
		return
	}
	if req.Body == "" && req.HTML == "" {
		s.sendError(w, http.StatusBadRequest, "body or html is required")
		return
	}

	scheduleJSON := string(req.Schedule)
	rule, err := schedule.ParseRule(scheduleJSON)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid schedule: "+err.Error())
		return
	}
	if err := rule.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid schedule: "+err.Error())
		return
	}

	c := &models.Campaign{
		UserID:    req.UserID,
		Name:      req.Name,
		Subject:   req.Subject,
		Body:      req.Body,
		HTML:      req.HTML,
		FromEmail: req.FromEmail,
		FromName:  req.FromName,
		ReplyTo:   req.ReplyTo,
		Priority:  req.Priority,
		Schedule:  scheduleJSON,
		Variables: string(req.Variables),
		ABTestID:  req.ABTestID,
	}
	if err := s.campaigns.Create(c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	s.logger.Info("campaign created via API", "id", c.ID, "name", c.Name)
	s.sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/v1/campaigns.
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := models.CampaignListFilter{
		Status: models.CampaignStatus(r.URL.Query().Get("status")),
		UserID: r.URL.Query().Get("user_id"),
		Limit:  intQuery(r, "limit", 100),
		Offset: intQuery(r, "offset", 0),
	}

	list, err := s.campaigns.List(filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}.
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleAddRecipients handles POST /api/v1/campaigns/{id}/recipients.
func (s *Server) handleAddRecipients(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	var req AddRecipientsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients is required")
		return
	}

	recipients := make([]*models.Recipient, 0, len(req.Recipients))
	for _, in := range req.Recipients {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid recipient address: "+in.Email)
			return
		}
		recipients = append(recipients, &models.Recipient{
			Email:     in.Email,
			Name:      in.Name,
			Variables: string(in.Variables),
		})
	}

	added, err := s.recipients.Add(c.ID, recipients)
	if err != nil {
		s.logger.Error("failed to add recipients", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to add recipients")
		return
	}

	total, err := s.recipients.Count(c.ID)
	if err != nil {
		s.logger.Error("failed to count recipients", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to count recipients")
		return
	}

	s.sendJSON(w, http.StatusOK, AddRecipientsResponse{Added: added, Total: total})
}

// handleActivate handles POST /api/v1/campaigns/{id}/activate.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.orchestrator.Activate)
}

// handlePause handles POST /api/v1/campaigns/{id}/pause.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.orchestrator.Pause)
}

// handleResume handles POST /api/v1/campaigns/{id}/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.orchestrator.Resume)
}

// handleCancel handles POST /api/v1/campaigns/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.orchestrator.Cancel)
}

// lifecycle runs one orchestrator command and reports the resulting status.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, cmd func(context.Context, string) error) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	if err := cmd(r.Context(), c.ID); err != nil {
		status := commandStatus(err)
		if status == http.StatusConflict {
			s.sendError(w, status, err.Error())
			return
		}
		s.logger.Error("lifecycle command failed", "campaign_id", c.ID, "error", err)
		s.sendError(w, status, "Command failed: "+err.Error())
		return
	}

	updated, err := s.campaigns.GetByID(c.ID)
	if err != nil || updated == nil {
		s.sendJSON(w, http.StatusOK, StatusResponse{ID: c.ID, Status: string(c.Status)})
		return
	}
	s.sendJSON(w, http.StatusOK, StatusResponse{ID: updated.ID, Status: string(updated.Status)})
}

func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id is required")
		return nil, false
	}
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		s.logger.Error("failed to get campaign", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, false
	}
	return c, true
}

// handleFailures handles GET /api/v1/campaigns/{id}/failures.
func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	sum, err := s.orchestrator.Failures(r.Context(), c.ID)
	if err != nil {
		s.logger.Error("failed to summarize failures", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to summarize failures")
		return
	}
	s.sendJSON(w, http.StatusOK, sum)
}

// handleCreateABTest handles POST /api/v1/abtests.
func (s *Server) handleCreateABTest(w http.ResponseWriter, r *http.Request) {
	var req CreateABTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CampaignID == "" {
		s.sendError(w, http.StatusBadRequest, "campaign_id is required")
		return
	}
	if len(req.Variants) < 2 {
		s.sendError(w, http.StatusBadRequest, "at least two variants are required")
		return
	}
	total := 0
	for _, v := range req.Variants {
		if v.AllocationPercent < 0 {
			s.sendError(w, http.StatusBadRequest, "allocation_percent must not be negative")
			return
		}
		total += v.AllocationPercent
	}
	if total != 100 {
		s.sendError(w, http.StatusBadRequest, "variant allocations must sum to 100")
		return
	}

	test := req.Test
	test.CampaignID = req.CampaignID
	test.Name = req.Name
	test.Metric = models.Metric(req.Metric)
	if err := s.abtests.CreateTest(&test, req.Variants); err != nil {
		s.logger.Error("failed to create A/B test", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create A/B test")
		return
	}

	s.logger.Info("A/B test created via API", "id", test.ID, "campaign_id", test.CampaignID)
	s.sendJSON(w, http.StatusCreated, test)
}

// handleABTestStats handles GET /api/v1/abtests/{id}/stats.
func (s *Server) handleABTestStats(w http.ResponseWriter, r *http.Request) {
	test, ok := s.loadABTest(w, r)
	if !ok {
		return
	}

	ev, err := s.evaluator.EvaluateTest(test)
	if err != nil {
		s.logger.Error("failed to evaluate A/B test", "test_id", test.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to evaluate A/B test")
		return
	}
	s.sendJSON(w, http.StatusOK, ev)
}

// handleDeclareWinner handles POST /api/v1/abtests/{id}/winner.
func (s *Server) handleDeclareWinner(w http.ResponseWriter, r *http.Request) {
	test, ok := s.loadABTest(w, r)
	if !ok {
		return
	}

	var req DeclareWinnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.VariantID == "" {
		s.sendError(w, http.StatusBadRequest, "variant_id is required")
		return
	}

	variants, err := s.abtests.GetVariants(test.ID)
	if err != nil {
		s.logger.Error("failed to load variants", "test_id", test.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load variants")
		return
	}
	known := false
	for _, v := range variants {
		if v.ID == req.VariantID {
			known = true
			break
		}
	}
	if !known {
		s.sendError(w, http.StatusBadRequest, "variant_id does not belong to this test")
		return
	}

	if err := s.orchestrator.DeclareWinner(r.Context(), test, req.VariantID); err != nil {
		s.logger.Error("failed to declare winner", "test_id", test.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to declare winner")
		return
	}
	s.sendJSON(w, http.StatusOK, StatusResponse{ID: test.ID, Status: "completed"})
}

func (s *Server) loadABTest(w http.ResponseWriter, r *http.Request) (*models.ABTest, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id is required")
		return nil, false
	}
	test, err := s.abtests.GetTest(id)
	if err != nil {
		s.logger.Error("failed to get A/B test", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get A/B test")
		return nil, false
	}
	if test == nil {
		s.sendError(w, http.StatusNotFound, "A/B test not found")
		return nil, false
	}
	return test, true
}

// handleQueue handles GET /api/v1/queue.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ov, err := s.queue.Overview(r.Context())
	if err != nil {
		s.logger.Error("failed to get queue overview", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue overview")
		return
	}
	s.sendJSON(w, http.StatusOK, QueueResponse{Overview: ov})
}

// handleListTasks handles GET /api/v1/queue/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := queue.ListFilter{
		Status:     queue.TaskStatus(r.URL.Query().Get("status")),
		CampaignID: r.URL.Query().Get("campaign_id"),
		Limit:      intQuery(r, "limit", 100),
		Offset:     intQuery(r, "offset", 0),
	}

	tasks, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list tasks", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}
	s.sendJSON(w, http.StatusOK, TasksResponse{Tasks: tasks})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
	}
	if ov, err := s.queue.Overview(r.Context()); err == nil {
		resp.Queue = &ov.Stats
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, ErrorResponse{Error: msg})
}

// commandStatus maps a lifecycle error to an HTTP status.
func commandStatus(err error) int {
	var inv *campaign.ErrInvalidTransition
	if errors.As(err, &inv) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
