// Package httpserver exposes the rules engine over HTTP: the execute endpoint
// used by storefront pages, acknowledgment and preference persistence, and the
// administrative CRUD for rules, templates and context schemas.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/acumenpress/commerce/internal/auth"
	"github.com/acumenpress/commerce/internal/engine"
	"github.com/acumenpress/commerce/internal/models"
	"github.com/acumenpress/commerce/internal/rules"
	"github.com/acumenpress/commerce/internal/schema"
	"github.com/acumenpress/commerce/internal/store"
)

type Server struct {
	engine    *engine.Engine
	store     store.Store
	repo      *rules.Repository
	validator *schema.CachedValidator
	registry  *prometheus.Registry
	jwtSecret string
	log       zerolog.Logger
}

func New(eng *engine.Engine, st store.Store, repo *rules.Repository, validator *schema.CachedValidator, registry *prometheus.Registry, jwtSecret string, log zerolog.Logger) *Server {
	return &Server{
		engine:    eng,
		store:     st,
		repo:      repo,
		validator: validator,
		registry:  registry,
		jwtSecret: jwtSecret,
		log:       log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(auth.NewMiddleware(s.jwtSecret))

	r.Post("/rules/execute", s.handleExecute)
	r.Post("/rules/acknowledge", s.handleAcknowledge)
	r.Post("/rules/preferences", s.handlePreferences)
	r.Get("/rules/acknowledgments", s.handleListAcknowledgments)
	r.Get("/rules/executions", s.handleListExecutions)
	r.Get("/rules/entrypoint/{entry_point}", s.handleRulesForEntryPoint)

	r.Post("/rules", s.handleCreateRule)
	r.Get("/rules/{rule_code}", s.handleGetRule)
	r.Put("/rules/{rule_code}", s.handleUpdateRule)
	r.Delete("/rules/{rule_code}", s.handleDeleteRule)

	r.Post("/templates", s.handleCreateTemplate)
	r.Get("/templates/{id}", s.handleGetTemplate)
	r.Put("/templates/{id}", s.handleUpdateTemplate)

	r.Put("/schemas/{schema_code}", s.handleUpsertSchema)
	r.Get("/schemas/{schema_code}", s.handleGetSchema)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return r
}

type executeRequest struct {
	EntryPoint models.EntryPoint      `json:"entry_point"`
	Context    map[string]interface{} `json:"context"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EntryPoint == "" {
		respondError(w, http.StatusBadRequest, "entry_point required")
		return
	}
	if !req.EntryPoint.Valid() {
		respondError(w, http.StatusBadRequest, "unknown entry_point: "+string(req.EntryPoint))
		return
	}
	if req.Context == nil {
		req.Context = map[string]interface{}{}
	}
	if id := auth.FromContext(r.Context()); id != nil {
		ensureUserID(req.Context, id.UserID)
	}

	result := s.engine.Execute(r.Context(), req.EntryPoint, req.Context)
	if result.Error != "" && len(result.SchemaValidationErrors) == 0 {
		respondJSON(w, http.StatusInternalServerError, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ensureUserID fills user.id from the session when the caller did not supply
// one. A caller-supplied id is left alone so back-office tooling can execute
// on behalf of a customer.
func ensureUserID(ctx map[string]interface{}, userID string) {
	if userID == "" {
		return
	}
	user, ok := ctx["user"].(map[string]interface{})
	if !ok {
		if _, exists := ctx["user"]; exists {
			return
		}
		user = map[string]interface{}{}
		ctx["user"] = user
	}
	if _, exists := user["id"]; !exists {
		user["id"] = userID
	}
}

type acknowledgeRequest struct {
	UserID             string          `json:"user_id"`
	RuleCode           string          `json:"rule_code"`
	TemplateName       string          `json:"template_name"`
	AcknowledgmentType string          `json:"acknowledgment_type"`
	IsSelected         bool            `json:"is_selected"`
	SessionData        json.RawMessage `json:"context"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := auth.UserID(r.Context())
	if userID == "" {
		userID = req.UserID
	}
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if req.RuleCode == "" {
		respondError(w, http.StatusBadRequest, "rule_code required")
		return
	}
	ackType := req.AcknowledgmentType
	if ackType == "" {
		ackType = models.AckRequired
	}

	ack := &models.Acknowledgment{
		ID:                 uuid.New(),
		UserID:             userID,
		RuleCode:           req.RuleCode,
		TemplateName:       req.TemplateName,
		AcknowledgmentType: ackType,
		IsSelected:         req.IsSelected,
		AcknowledgedAt:     time.Now().UTC(),
		IP:                 r.RemoteAddr,
		UserAgent:          r.UserAgent(),
		SessionData:        req.SessionData,
	}
	if err := s.store.UpsertAcknowledgment(r.Context(), ack); err != nil {
		s.log.Error().Err(err).Str("rule_code", req.RuleCode).Msg("acknowledge failed")
		respondError(w, http.StatusInternalServerError, "could not record acknowledgment")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success":             true,
		"acknowledgment_id":   ack.ID,
		"acknowledgment_type": ack.AcknowledgmentType,
		"is_selected":         ack.IsSelected,
	})
}

type preferenceRequest struct {
	UserID      string                 `json:"user_id"`
	RuleCode    string                 `json:"rule_code"`
	Preferences map[string]interface{} `json:"preferences"`
	SessionData map[string]interface{} `json:"session_data"`
}

// handlePreferences stores a batch of user preference choices. Preferences
// share the acknowledgment table: each preference key takes the template_name
// slot and the chosen value rides in session_data.
func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := auth.UserID(r.Context())
	if userID == "" {
		userID = req.UserID
	}
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if len(req.Preferences) == 0 {
		respondError(w, http.StatusBadRequest, "preferences required")
		return
	}

	keys := make([]string, 0, len(req.Preferences))
	for key := range req.Preferences {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	now := time.Now().UTC()
	for _, key := range keys {
		value := req.Preferences[key]
		session := make(map[string]interface{}, len(req.SessionData)+1)
		for k, v := range req.SessionData {
			session[k] = v
		}
		session["value"] = value
		sessionData, err := json.Marshal(session)
		if err != nil {
			respondError(w, http.StatusBadRequest, "preference value not serializable")
			return
		}

		ack := &models.Acknowledgment{
			ID:                 uuid.New(),
			UserID:             userID,
			RuleCode:           req.RuleCode,
			TemplateName:       key,
			AcknowledgmentType: models.AckPreference,
			IsSelected:         truthyValue(value),
			AcknowledgedAt:     now,
			IP:                 r.RemoteAddr,
			UserAgent:          r.UserAgent(),
			SessionData:        sessionData,
		}
		if err := s.store.UpsertAcknowledgment(r.Context(), ack); err != nil {
			s.log.Error().Err(err).Str("preference_key", key).Msg("preference save failed")
			respondError(w, http.StatusInternalServerError, "could not save preferences")
			return
		}
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success":           true,
		"preferences_saved": len(keys),
	})
}

func truthyValue(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != "" && x != "false" && x != "0"
	case float64:
		return x != 0
	case nil:
		return false
	default:
		return true
	}
}

func (s *Server) handleListAcknowledgments(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id required")
		return
	}
	acks, err := s.store.ListAcknowledgments(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"acknowledgments": acks})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	ep := models.EntryPoint(r.URL.Query().Get("entry_point"))
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	records, err := s.store.ListExecutions(r.Context(), ep, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"executions": records})
}

func (s *Server) handleRulesForEntryPoint(w http.ResponseWriter, r *http.Request) {
	ep := models.EntryPoint(chi.URLParam(r, "entry_point"))
	if !ep.Valid() {
		respondError(w, http.StatusBadRequest, "unknown entry_point: "+string(ep))
		return
	}
	list, err := s.store.ListRules(r.Context(), ep)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rules": list})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.Rule
	if err := decodeJSON(w, r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rule.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateRule(r.Context(), &rule); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			respondError(w, http.StatusConflict, "rule_code already exists: "+rule.RuleCode)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.repo.Invalidate(r.Context(), rule.EntryPoint)
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "rule_code")
	rule, err := s.store.GetRule(r.Context(), code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found: "+code)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "rule_code")
	prev, err := s.store.GetRule(r.Context(), code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found: "+code)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var rule models.Rule
	if err := decodeJSON(w, r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.RuleCode = code
	if err := rule.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateRule(r.Context(), &rule); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found: "+code)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.repo.Invalidate(r.Context(), rule.EntryPoint)
	if prev.EntryPoint != rule.EntryPoint {
		s.repo.Invalidate(r.Context(), prev.EntryPoint)
	}
	respondJSON(w, http.StatusOK, rule)
}

// handleDeleteRule deactivates the rule. Execution history keeps referring to
// the code, so rows are never removed.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "rule_code")
	rule, err := s.store.GetRule(r.Context(), code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found: "+code)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.DeleteRule(r.Context(), code); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found: "+code)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.repo.Invalidate(r.Context(), rule.EntryPoint)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "rule_code": code})
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl models.MessageTemplate
	if err := decodeJSON(w, r, &tmpl); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if tmpl.Name == "" {
		respondError(w, http.StatusBadRequest, "name required")
		return
	}
	if err := s.store.CreateTemplate(r.Context(), &tmpl); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			respondError(w, http.StatusConflict, "template name already exists: "+tmpl.Name)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	tmpl, err := s.store.TemplateByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "template not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	var tmpl models.MessageTemplate
	if err := decodeJSON(w, r, &tmpl); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tmpl.ID = id
	if err := s.store.UpdateTemplate(r.Context(), &tmpl); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "template not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleUpsertSchema(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "schema_code")
	var cs models.ContextSchema
	if err := decodeJSON(w, r, &cs); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cs.SchemaCode = code
	if len(cs.Schema) == 0 {
		respondError(w, http.StatusBadRequest, "schema document required")
		return
	}
	if err := s.store.UpsertSchema(r.Context(), &cs); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.validator.Invalidate(code)
	respondJSON(w, http.StatusOK, cs)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "schema_code")
	cs, err := s.store.SchemaByCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "schema not found: "+code)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return nil
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
