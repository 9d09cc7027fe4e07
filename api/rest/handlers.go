package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/channels"
	"github.com/alexnthnz/contract-reminders/internal/monitoring"
	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// Inbox reads recent in-app messages of a recipient
type Inbox interface {
	Inbox(ctx context.Context, recipient string, limit int64) ([]channels.InAppMessage, error)
}

// Handler holds dependencies for REST API handlers
type Handler struct {
	service *notification.Service
	inbox   Inbox
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewHandler creates a new REST API handler
func NewHandler(
	service *notification.Service,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		service: service,
		metrics: metrics,
		logger:  logger,
	}
}

// WithInbox enables GET /api/v1/inbox/{recipient}
func (h *Handler) WithInbox(inbox Inbox) *Handler {
	h.inbox = inbox
	return h
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string                    `json:"error"`
	Message string                    `json:"message"`
	Code    int                       `json:"code"`
	Fields  []notification.FieldError `json:"fields,omitempty"`
}

// NotificationView is a scheduled notification as returned by the API
type NotificationView struct {
	notification.ScheduledNotification
	Undelivered bool `json:"undelivered"`
}

// NotificationDetail is a scheduled notification with its delivery history
type NotificationDetail struct {
	NotificationView
	Attempts []notification.DeliveryAttempt `json:"attempts"`
}

// ListResponse wraps list results
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func view(n notification.ScheduledNotification) NotificationView {
	return NotificationView{ScheduledNotification: n, Undelivered: n.Undelivered()}
}

// CreateRule handles POST /rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req notification.CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		h.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rule, err := h.service.CreateRule(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "Failed to create rule", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, rule)
}

// ListRules handles GET /rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := notification.RuleFilter{
		ContractID: q.Get("contract_id"),
		Scope:      notification.Scope(q.Get("scope")),
		TargetID:   q.Get("target_id"),
		ActiveOnly: q.Get("active") == "true",
	}

	rules, err := h.service.ListRules(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "Failed to list rules", err)
		return
	}
	if rules == nil {
		rules = []notification.Rule{}
	}
	h.writeJSON(w, http.StatusOK, ListResponse[notification.Rule]{Items: rules, Count: len(rules)})
}

// GetRule handles GET /rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, "Failed to retrieve rule", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// UpdateRule handles PUT /rules/{id}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req notification.UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		h.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rule, err := h.service.UpdateRule(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.writeServiceError(w, "Failed to update rule", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// DeactivateRule handles POST /rules/{id}/deactivate
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.DeactivateRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, "Failed to deactivate rule", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// ListNotifications handles GET /notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	list, err := h.service.ListScheduledNotifications(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "Failed to list notifications", err)
		return
	}

	items := make([]NotificationView, 0, len(list))
	for _, n := range list {
		items = append(items, view(n))
	}
	h.writeJSON(w, http.StatusOK, ListResponse[NotificationView]{Items: items, Count: len(items)})
}

// GetNotification handles GET /notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	n, attempts, err := h.service.GetScheduledNotification(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, "Failed to retrieve notification", err)
		return
	}
	if attempts == nil {
		attempts = []notification.DeliveryAttempt{}
	}
	h.writeJSON(w, http.StatusOK, NotificationDetail{NotificationView: view(*n), Attempts: attempts})
}

// AcknowledgeNotification handles POST /notifications/{id}/ack
func (h *Handler) AcknowledgeNotification(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Acknowledge(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, "Failed to acknowledge notification", err)
		return
	}
	h.writeJSON(w, http.StatusOK, view(*n))
}

// GetInbox handles GET /inbox/{recipient}
func (h *Handler) GetInbox(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			h.writeErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := h.inbox.Inbox(r.Context(), mux.Vars(r)["recipient"], limit)
	if err != nil {
		h.logger.Error("Failed to read inbox", zap.Error(err))
		h.writeErrorResponse(w, "Failed to read inbox", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []channels.InAppMessage{}
	}
	h.writeJSON(w, http.StatusOK, ListResponse[channels.InAppMessage]{Items: messages, Count: len(messages)})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "reminders-api",
		"version":   "1.0.0",
	}
	h.writeJSON(w, http.StatusOK, health)
}

// Metrics handles GET /metrics (Prometheus metrics)
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.Handler().ServeHTTP(w, r)
}

func parseFilter(r *http.Request) (notification.Filter, error) {
	q := r.URL.Query()
	filter := notification.Filter{
		RuleID:     q.Get("rule_id"),
		ContractID: q.Get("contract_id"),
		TargetID:   q.Get("target_id"),
		Event:      notification.Event(q.Get("event")),
	}
	if states := q.Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			filter.States = append(filter.States, notification.State(strings.TrimSpace(s)))
		}
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New(name + " must be an RFC 3339 timestamp")
		}
		*dst = &t
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, errors.New(name + " must be a non-negative integer")
		}
		*dst = n
	}
	return filter, nil
}

// writeServiceError maps engine errors to HTTP status codes
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	var verr *notification.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   http.StatusText(http.StatusBadRequest),
			Message: verr.Error(),
			Code:    http.StatusBadRequest,
			Fields:  verr.Fields,
		})
	case errors.Is(err, notification.ErrNotFound), errors.Is(err, notification.ErrTargetNotFound):
		h.writeErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, notification.ErrInvalidState), errors.Is(err, notification.ErrClaimConflict):
		h.writeErrorResponse(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error(message, zap.Error(err))
		h.writeErrorResponse(w, message, http.StatusInternalServerError)
	}
}

// writeErrorResponse writes an error response
func (h *Handler) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}
	h.writeJSON(w, statusCode, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// SetupRoutes sets up all REST API routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rules", h.CreateRule).Methods("POST").Name("create_rule")
	api.HandleFunc("/rules", h.ListRules).Methods("GET").Name("list_rules")
	api.HandleFunc("/rules/{id}", h.GetRule).Methods("GET").Name("get_rule")
	api.HandleFunc("/rules/{id}", h.UpdateRule).Methods("PUT").Name("update_rule")
	api.HandleFunc("/rules/{id}/deactivate", h.DeactivateRule).Methods("POST").Name("deactivate_rule")
	api.HandleFunc("/notifications", h.ListNotifications).Methods("GET").Name("list_notifications")
	api.HandleFunc("/notifications/{id}", h.GetNotification).Methods("GET").Name("get_notification")
	api.HandleFunc("/notifications/{id}/ack", h.AcknowledgeNotification).Methods("POST").Name("ack_notification")
	if h.inbox != nil {
		api.HandleFunc("/inbox/{recipient}", h.GetInbox).Methods("GET").Name("get_inbox")
	}

	// Health and metrics
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/metrics", h.Metrics).Methods("GET")

	// Add middleware
	router.Use(h.loggingMiddleware)
	router.Use(h.corsMiddleware)

	return router
}

// loggingMiddleware logs HTTP requests and records their duration
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.metrics.IncrementActiveConnections()
		defer h.metrics.DecrementActiveConnections()

		// Create a response recorder to capture status code
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		duration := time.Since(start)
		operation := "other"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			operation = route.GetName()
		}
		h.metrics.RecordRequest("rest", operation, strconv.Itoa(recorder.statusCode), duration.Seconds())
		h.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.statusCode),
			zap.Duration("duration", duration),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// corsMiddleware adds CORS headers
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
