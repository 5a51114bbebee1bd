// Package server exposes the flag registry over HTTP: flag and targeting
// CRUD, evaluation, API key management, and an SSE change stream.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hearthvault/gatekeeper/internal/core"
	"github.com/hearthvault/gatekeeper/internal/metrics"
	"github.com/hearthvault/gatekeeper/internal/repository"
	"github.com/hearthvault/gatekeeper/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// KeyStore manages API keys. Implemented by
// [repository.PostgresRepository].
type KeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	DeleteAPIKey(ctx context.Context, keyID string) error
}

// HTTPServer serves the /v1 flag API.
type HTTPServer struct {
	service            Service
	keys               KeyStore
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
	maxBodyBytes       int64
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval overrides how often the SSE stream polls for new
// events.
func WithStreamPollInterval(interval time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxBodyBytes caps the accepted JSON request body size.
func WithMaxBodyBytes(limit int64) HTTPOption {
	return func(s *HTTPServer) {
		if limit > 0 {
			s.maxBodyBytes = limit
		}
	}
}

// WithKeyStore mounts the API key management endpoints.
func WithKeyStore(keys KeyStore) HTTPOption {
	return func(s *HTTPServer) {
		s.keys = keys
	}
}

// WithMetrics mounts /metrics and records per-request and per-evaluation
// metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

// NewHTTPHandler builds the /v1 API handler.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxBodyBytes:       defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/flags", server.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/mine", server.handleFlagsMine)
	mux.HandleFunc("GET /v1/flags/{key}", server.handleGetFlag)
	mux.HandleFunc("PATCH /v1/flags/{key}", server.handlePatchFlag)
	mux.HandleFunc("DELETE /v1/flags/{key}", server.handleArchiveFlag)
	mux.HandleFunc("GET /v1/flags/{key}/targeting/{env}", server.handleGetTargeting)
	mux.HandleFunc("PUT /v1/flags/{key}/targeting/{env}", server.handlePutTargeting)
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	if server.keys != nil {
		mux.HandleFunc("POST /v1/keys", server.handleCreateKey)
		mux.HandleFunc("GET /v1/keys", server.handleListKeys)
		mux.HandleFunc("DELETE /v1/keys/{id}", server.handleDeleteKey)
	}
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return mux
}

type flagPatchRequest struct {
	Key          *string  `json:"key,omitempty"`
	Name         *string  `json:"name,omitempty"`
	Description  *string  `json:"description,omitempty"`
	Status       *string  `json:"status,omitempty"`
	ForceOn      *bool    `json:"force_on,omitempty"`
	ForceOff     *bool    `json:"force_off,omitempty"`
	AllowUserIDs []string `json:"allow_user_ids,omitempty"`
	BlockUserIDs []string `json:"block_user_ids,omitempty"`
	AllowDomains []string `json:"allow_domains,omitempty"`
	Version      *int64   `json:"version,omitempty"`
}

type evaluateJSONRequest struct {
	Key         string                  `json:"key,omitempty"`
	Environment string                  `json:"environment,omitempty"`
	Context     core.EvaluationContext  `json:"context,omitempty"`
	Requests    []evaluateJSONBatchItem `json:"requests,omitempty"`
}

type evaluateJSONBatchItem struct {
	Key         string                 `json:"key"`
	Environment string                 `json:"environment"`
	Context     core.EvaluationContext `json:"context"`
}

type evaluateJSONResult struct {
	Key     string      `json:"key"`
	Enabled bool        `json:"enabled"`
	Reason  core.Reason `json:"reason"`
}

type evaluateJSONResponse struct {
	Results []evaluateJSONResult `json:"results"`
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag core.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	flag, err := s.service.GetFlag(r.Context(), r.PathValue("key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handlePatchFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))

	var patch flagPatchRequest
	if err := s.decodeJSONBody(w, r, &patch); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if patch.Key != nil {
		writeJSONError(w, http.StatusBadRequest, "key is immutable")
		return
	}

	flag, err := s.service.GetFlag(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	applyFlagPatch(&flag, patch)

	updated, err := s.service.UpdateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// applyFlagPatch merges a partial update into an existing flag. Setting
// one force toggle clears the other so the pair stays mutually exclusive.
func applyFlagPatch(flag *core.Flag, patch flagPatchRequest) {
	if patch.Name != nil {
		flag.Name = *patch.Name
	}
	if patch.Description != nil {
		flag.Description = *patch.Description
	}
	if patch.Status != nil {
		flag.Status = core.FlagStatus(*patch.Status)
	}
	if patch.ForceOn != nil {
		flag.ForceOn = *patch.ForceOn
		if flag.ForceOn {
			flag.ForceOff = false
		}
	}
	if patch.ForceOff != nil {
		flag.ForceOff = *patch.ForceOff
		if flag.ForceOff {
			flag.ForceOn = false
		}
	}
	if patch.AllowUserIDs != nil {
		flag.AllowUserIDs = patch.AllowUserIDs
	}
	if patch.BlockUserIDs != nil {
		flag.BlockUserIDs = patch.BlockUserIDs
	}
	if patch.AllowDomains != nil {
		flag.AllowDomains = patch.AllowDomains
	}
	if patch.Version != nil {
		flag.Version = *patch.Version
	}
}

func (s *HTTPServer) handleArchiveFlag(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ArchiveFlag(r.Context(), r.PathValue("key")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGetTargeting(w http.ResponseWriter, r *http.Request) {
	config, err := s.service.GetTargeting(r.Context(), r.PathValue("key"), core.Environment(r.PathValue("env")))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, config)
}

func (s *HTTPServer) handlePutTargeting(w http.ResponseWriter, r *http.Request) {
	var config core.TargetingConfig
	if err := s.decodeJSONBody(w, r, &config); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	stored, err := s.service.UpsertTargeting(r.Context(), r.PathValue("key"), core.Environment(r.PathValue("env")), config)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	var items []evaluateJSONBatchItem
	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.Key) != "":
		writeJSONError(w, http.StatusBadRequest, "use either key or requests")
		return
	case len(request.Requests) > 0:
		items = request.Requests
	case strings.TrimSpace(request.Key) != "":
		items = []evaluateJSONBatchItem{{
			Key:         request.Key,
			Environment: request.Environment,
			Context:     request.Context,
		}}
	default:
		writeJSONError(w, http.StatusBadRequest, "key or requests is required")
		return
	}

	results := make([]evaluateJSONResult, 0, len(items))
	for idx, item := range items {
		if strings.TrimSpace(item.Key) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].key is required", idx))
			return
		}

		env := core.Environment(item.Environment)
		result, err := s.service.Evaluate(r.Context(), item.Key, env, item.Context)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		if s.metrics != nil {
			s.metrics.RecordEvaluation(string(env), string(result.Reason))
		}
		results = append(results, evaluateJSONResult{
			Key:     item.Key,
			Enabled: result.Enabled,
			Reason:  result.Reason,
		})
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

func (s *HTTPServer) handleFlagsMine(w http.ResponseWriter, r *http.Request) {
	env := core.Environment(r.URL.Query().Get("environment"))
	if env == "" {
		env = core.EnvProd
	}

	var (
		enabled map[string]bool
		err     error
	)
	if preview := strings.TrimSpace(r.Header.Get("X-Preview-User")); preview != "" {
		enabled, err = s.service.EvaluatePreview(r.Context(), env, preview)
	} else {
		enabled, err = s.service.EvaluateAll(r.Context(), env, identityContext(r))
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, enabled)
}

// identityContext builds an evaluation context from the caller-supplied
// identity headers.
func identityContext(r *http.Request) core.EvaluationContext {
	user := map[string]any{}
	if id := r.Header.Get("X-User-Id"); id != "" {
		user["id"] = id
	}
	if email := r.Header.Get("X-User-Email"); email != "" {
		user["email"] = email
	}
	if tenant := r.Header.Get("X-User-Tenant"); tenant != "" {
		user["tenant"] = tenant
	}
	if role := r.Header.Get("X-User-Role"); role != "" {
		user["role"] = role
	}

	return core.EvaluationContext{Attributes: map[string]any{"user": user}}
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.FlagEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createKeyRequest struct {
	Name string `json:"name"`
}

type createKeyResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

func (s *HTTPServer) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var request createKeyRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil && !errors.Is(err, io.EOF) {
		writeJSONDecodeError(w, err)
		return
	}

	id, secret, err := s.keys.CreateAPIKey(r.Context(), strings.TrimSpace(request.Name))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// The secret is shown exactly once.
	writeJSON(w, http.StatusCreated, createKeyResponse{ID: id, Secret: secret})
}

func (s *HTTPServer) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.ListAPIKeys(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, keys)
}

func (s *HTTPServer) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.DeleteAPIKey(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case service.EventTypeCreated:
		return "create"
	case service.EventTypeUpdated, service.EventTypeTargetingUpdated:
		return "update"
	case service.EventTypeArchived:
		return "archive"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidFlag),
		errors.Is(err, service.ErrInvalidTargeting),
		errors.Is(err, service.ErrUnknownEnvironment):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagNotFound), errors.Is(err, service.ErrTargetingNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagExists), errors.Is(err, service.ErrVersionConflict):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidFlag),
		errors.Is(err, service.ErrInvalidTargeting),
		errors.Is(err, service.ErrUnknownEnvironment):
		return err.Error()
	case errors.Is(err, service.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrTargetingNotFound):
		return "targeting config not found"
	case errors.Is(err, service.ErrFlagExists):
		return "flag already exists"
	case errors.Is(err, service.ErrVersionConflict):
		return "version conflict"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
