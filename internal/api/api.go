package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/vantagebank/hookline/internal/config"
	"github.com/vantagebank/hookline/internal/logging"
	"github.com/vantagebank/hookline/internal/model"
	"github.com/vantagebank/hookline/internal/processor"
	"github.com/vantagebank/hookline/internal/store"
)

// Server is the management HTTP surface: event triggering and inspection,
// endpoint registration, template management, and manual processing runs.
type Server struct {
	store    store.Store
	proc     *processor.Processor
	defaults config.Defaults
	logger   *logging.Logger
}

func NewServer(st store.Store, proc *processor.Processor, defaults config.Defaults, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New("hookline-api")
	}
	return &Server{store: st, proc: proc, defaults: defaults, logger: logger}
}

// Routes registers all management routes on r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/v1/events", s.handleTriggerEvent).Methods(http.MethodPost)
	r.HandleFunc("/v1/events", s.handleListEvents).Methods(http.MethodGet)
	r.HandleFunc("/v1/events/{id}", s.handleGetEvent).Methods(http.MethodGet)
	r.HandleFunc("/v1/events/{id}/cancel", s.handleCancelEvent).Methods(http.MethodPost)
	r.HandleFunc("/v1/events/{id}/retry", s.handleRetryEvent).Methods(http.MethodPost)
	r.HandleFunc("/v1/events/{id}/deliveries", s.handleListDeliveries).Methods(http.MethodGet)

	r.HandleFunc("/v1/endpoints", s.handleCreateEndpoint).Methods(http.MethodPost)
	r.HandleFunc("/v1/endpoints", s.handleListEndpoints).Methods(http.MethodGet)
	r.HandleFunc("/v1/endpoints/{id}", s.handleGetEndpoint).Methods(http.MethodGet)
	r.HandleFunc("/v1/endpoints/{id}/deactivate", s.handleDeactivateEndpoint).Methods(http.MethodPost)

	r.HandleFunc("/v1/templates/{event_type}", s.handleUpsertTemplate).Methods(http.MethodPut)

	r.HandleFunc("/v1/process", s.handleProcess).Methods(http.MethodPost)
	r.HandleFunc("/v1/logs", s.handleListLogs).Methods(http.MethodGet)
	r.HandleFunc("/v1/event-types", s.handleListEventTypes).Methods(http.MethodGet)
}

type triggerEventRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	UserID  *uuid.UUID     `json:"user_id,omitempty"`
}

func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	var req triggerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.Type == "" {
		s.writeError(w, r, http.StatusBadRequest, model.Validation("type", "required"))
		return
	}
	ev, err := s.proc.TriggerEvent(r.Context(), req.Type, req.Payload, req.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f := store.EventFilter{
		Status:    model.EventStatus(r.URL.Query().Get("status")),
		EventType: r.URL.Query().Get("event_type"),
		Limit:     queryInt(r, "limit", 50),
	}
	events, err := s.store.ListEvents(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	ev, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleCancelEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.proc.Cancel(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleRetryEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.proc.Requeue(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requeued": true})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	deliveries, err := s.store.ListDeliveries(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

type createEndpointRequest struct {
	UserID            uuid.UUID `json:"user_id"`
	URL               string    `json:"url"`
	EventTypes        []string  `json:"event_types"`
	Secret            string    `json:"secret,omitempty"`
	TimeoutSeconds    *int      `json:"timeout_seconds,omitempty"`
	MaxRetries        *int      `json:"max_retries,omitempty"`
	RetryDelaySeconds *int      `json:"retry_delay_seconds,omitempty"`
	NotifyEmail       bool      `json:"notify_email"`
}

type createEndpointResponse struct {
	Endpoint *model.Endpoint `json:"endpoint"`
	// Secret is echoed exactly once, at creation, so the subscriber can
	// store it. Every later read returns it redacted.
	Secret string `json:"secret,omitempty"`
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.UserID == uuid.Nil {
		s.writeError(w, r, http.StatusBadRequest, model.Validation("user_id", "required"))
		return
	}
	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		s.writeError(w, r, http.StatusBadRequest, model.Validation("url", "must be an absolute http(s) URL"))
		return
	}
	if len(req.EventTypes) == 0 {
		s.writeError(w, r, http.StatusBadRequest, model.Validation("event_types", "at least one required"))
		return
	}
	for _, t := range req.EventTypes {
		if !model.KnownEventType(t) {
			s.writeError(w, r, http.StatusBadRequest, model.Validation("event_types", "unknown event type "+t))
			return
		}
	}

	// A missing secret gets a generated one; the textual form is what the
	// subscriber configures on their side.
	secretText := req.Secret
	if secretText == "" {
		gen, err := model.GenerateSecret()
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		secretText = base64.RawURLEncoding.EncodeToString(gen.Bytes())
	}
	secret := model.SecretFromString(secretText)

	ep := &model.Endpoint{
		ID:                uuid.New(),
		UserID:            req.UserID,
		URL:               req.URL,
		EventTypes:        req.EventTypes,
		Secret:            secret,
		Active:            true,
		TimeoutSeconds:    valueOr(req.TimeoutSeconds, s.defaults.TimeoutSeconds),
		MaxRetries:        valueOr(req.MaxRetries, s.defaults.MaxRetries),
		RetryDelaySeconds: valueOr(req.RetryDelaySeconds, s.defaults.RetryDelaySeconds),
		NotifyEmail:       req.NotifyEmail,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateEndpoint(r.Context(), ep); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := createEndpointResponse{Endpoint: ep}
	if req.Secret == "" {
		resp.Secret = secretText
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	var userID *uuid.UUID
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, model.Validation("user_id", "must be a UUID"))
			return
		}
		userID = &id
	}
	endpoints, err := s.store.ListEndpoints(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	ep, err := s.store.GetEndpoint(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleDeactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeactivateEndpoint(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"active": false})
}

type upsertTemplateRequest struct {
	Payload map[string]any    `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (s *Server) handleUpsertTemplate(w http.ResponseWriter, r *http.Request) {
	eventType := mux.Vars(r)["event_type"]
	if !model.KnownEventType(eventType) {
		s.writeDomainError(w, r, model.ErrUnknownEventType)
		return
	}
	var req upsertTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if len(req.Payload) == 0 {
		s.writeError(w, r, http.StatusBadRequest, model.Validation("payload", "required"))
		return
	}
	tpl := &model.Template{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   req.Payload,
		Headers:   req.Headers,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertTemplate(r.Context(), tpl); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tpl)
}

type processRequest struct {
	Limit     int    `json:"limit"`
	EventType string `json:"event_type"`
	DryRun    bool   `json:"dry_run"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	report, err := s.proc.ProcessPendingEvents(r.Context(), processor.Options{
		Limit:     req.Limit,
		EventType: req.EventType,
		DryRun:    req.DryRun,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListLogs(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleListEventTypes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"event_types":     model.EventTypes(),
		"security_prefix": model.SecurityPrefix,
	})
}

// --- helpers ---

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, model.Validation("id", "must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, model.ErrUnknownEventType):
		s.writeError(w, r, http.StatusUnprocessableEntity, err)
	case errors.Is(err, model.ErrAlreadyTerminal):
		s.writeError(w, r, http.StatusConflict, err)
	case model.IsValidation(err):
		s.writeError(w, r, http.StatusBadRequest, err)
	default:
		s.writeError(w, r, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= 500 {
		s.logger.WithContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).Error("request failed")
	}
	s.writeJSON(w, code, map[string]any{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return def
}

func valueOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}
