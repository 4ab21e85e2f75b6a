package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/workgraph-io/workgraph/internal/workgraph"
)

type ServerConfig struct {
	JWTSecret        string
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
	BatchMaxItems    int
	BatchFanOut      int
	BatchItemTimeout time.Duration
}

type Server struct {
	store       *workgraph.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	batchOpts   workgraph.BatchExecutorOptions
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *workgraph.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *workgraph.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		batchOpts: workgraph.BatchExecutorOptions{
			MaxItems:    cfg.BatchMaxItems,
			FanOut:      cfg.BatchFanOut,
			ItemTimeout: cfg.BatchItemTimeout,
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"backends": s.store.GetBackendStatus(),
		})
		return
	}
	if r.URL.Path == "/v1/admin/subscriptions" && r.Method == http.MethodGet {
		s.handleAdminSubscriptions(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var (
		requiredScope string
		route         string
		workspaceGID  string
	)
	switch {
	case len(parts) == 4 && parts[1] == "workspaces" && parts[3] == "mutations" && r.Method == http.MethodPost:
		requiredScope = "graph:write"
		route = "mutations"
		workspaceGID = parts[2]
	case len(parts) == 5 && parts[1] == "workspaces" && parts[3] == "events" && parts[4] == "stream" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "stream"
		workspaceGID = parts[2]
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "events"
	case len(parts) == 2 && parts[1] == "webhooks" && r.Method == http.MethodPost:
		requiredScope = "webhooks:manage"
		route = "webhook_create"
	case len(parts) == 2 && parts[1] == "webhooks" && r.Method == http.MethodGet:
		requiredScope = "webhooks:manage"
		route = "webhook_list"
	case len(parts) == 3 && parts[1] == "webhooks" && r.Method == http.MethodGet:
		requiredScope = "webhooks:manage"
		route = "webhook_get"
	case len(parts) == 3 && parts[1] == "webhooks" && r.Method == http.MethodDelete:
		requiredScope = "webhooks:manage"
		route = "webhook_delete"
	case len(parts) == 4 && parts[1] == "webhooks" && parts[3] == "reenable" && r.Method == http.MethodPost:
		requiredScope = "webhooks:manage"
		route = "webhook_reenable"
	case len(parts) == 2 && parts[1] == "batch" && r.Method == http.MethodPost:
		requiredScope = "graph:write"
		route = "batch"
	case len(parts) == 3 && parts[1] == "resources" && r.Method == http.MethodGet:
		requiredScope = "graph:read"
		route = "resource_get"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, workspaceGID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !isBatchItem(r) {
		key := claims.WorkspaceGID + "|" + claims.UserGID
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "mutations":
		s.handleMutation(w, r, claims, correlationID)
	case "stream":
		s.handleStream(w, r, claims, correlationID)
	case "events":
		s.handleEvents(w, r, claims, correlationID)
	case "webhook_create":
		s.handleWebhookCreate(w, r, claims, correlationID)
	case "webhook_list":
		s.handleWebhookList(w, r, claims, correlationID)
	case "webhook_get":
		s.handleWebhookGet(w, r, claims, parts[2], correlationID)
	case "webhook_delete":
		s.handleWebhookDelete(w, r, claims, parts[2], correlationID)
	case "webhook_reenable":
		s.handleWebhookReenable(w, r, claims, parts[2], correlationID)
	case "batch":
		s.handleBatch(w, r, correlationID)
	case "resource_get":
		s.handleResourceGet(w, r, claims, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var mut workgraph.Mutation
	if !s.decodeJSONBody(w, r, correlationID, &mut) {
		return
	}
	mut.WorkspaceGID = claims.WorkspaceGID
	if mut.UserGID == "" {
		mut.UserGID = claims.UserGID
	}
	if mut.CorrelationID == "" {
		mut.CorrelationID = correlationID
	}
	result, err := s.store.Apply(mut)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	scope := strings.TrimSpace(r.URL.Query().Get("resource"))
	if scope == "" {
		scope = claims.WorkspaceGID
	}
	if scope == claims.WorkspaceGID {
		if err := s.store.EnsureWorkspace(scope); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
	} else {
		res, err := s.store.GetResource(scope)
		if err != nil || res.WorkspaceGID != claims.WorkspaceGID {
			writeError(w, http.StatusNotFound, "not_found", "resource not found", correlationID)
			return
		}
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	feed, err := s.store.Poll(scope, strings.TrimSpace(r.URL.Query().Get("sync")), limit)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req workgraph.SubscriptionRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.ResourceGID != claims.WorkspaceGID {
		res, err := s.store.GetResource(req.ResourceGID)
		if err != nil || res.WorkspaceGID != claims.WorkspaceGID {
			writeError(w, http.StatusNotFound, "not_found", "resource not found", correlationID)
			return
		}
	} else {
		if err := s.store.EnsureWorkspace(claims.WorkspaceGID); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
	}
	sub, secret, err := s.store.CreateSubscription(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	// The shared secret is surfaced exactly once; later reads of the
	// subscription never include it.
	writeJSON(w, http.StatusCreated, map[string]any{
		"data":   sub,
		"secret": secret,
	})
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	subs := s.store.ListSubscriptions(claims.WorkspaceGID, resource)
	writeJSON(w, http.StatusOK, map[string]any{"data": subs})
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, _ *http.Request, claims tokenClaims, gid, correlationID string) {
	sub, err := s.store.GetSubscription(gid)
	if err != nil || sub.WorkspaceGID != claims.WorkspaceGID {
		writeError(w, http.StatusNotFound, "not_found", "webhook not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": sub})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, _ *http.Request, claims tokenClaims, gid, correlationID string) {
	sub, err := s.store.GetSubscription(gid)
	if err != nil || sub.WorkspaceGID != claims.WorkspaceGID {
		writeError(w, http.StatusNotFound, "not_found", "webhook not found", correlationID)
		return
	}
	if err := s.store.DeleteSubscription(gid); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{}})
}

func (s *Server) handleWebhookReenable(w http.ResponseWriter, _ *http.Request, claims tokenClaims, gid, correlationID string) {
	sub, err := s.store.GetSubscription(gid)
	if err != nil || sub.WorkspaceGID != claims.WorkspaceGID {
		writeError(w, http.StatusNotFound, "not_found", "webhook not found", correlationID)
		return
	}
	updated, err := s.store.ReenableSubscription(gid)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": updated})
}

func (s *Server) handleResourceGet(w http.ResponseWriter, _ *http.Request, claims tokenClaims, gid, correlationID string) {
	res, err := s.store.GetResource(gid)
	if err != nil || res.WorkspaceGID != claims.WorkspaceGID {
		writeError(w, http.StatusNotFound, "not_found", "resource not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": res})
}

func (s *Server) handleAdminSubscriptions(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", "admin", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	workspaceGID := strings.TrimSpace(r.URL.Query().Get("workspace"))
	if workspaceGID == "" {
		workspaceGID = claims.WorkspaceGID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": s.store.ListSubscriptionHealth(workspaceGID),
	})
}

const batchItemHeader = "X-Batch-Item"

func isBatchItem(r *http.Request) bool {
	return r.Header.Get(batchItemHeader) == "1"
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Actions []workgraph.BatchItem `json:"actions"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	auth := r.Header.Get("Authorization")
	runner := func(ctx context.Context, item workgraph.BatchItem) workgraph.BatchResult {
		return s.runBatchItem(ctx, item, auth, correlationID)
	}
	executor := workgraph.NewBatchExecutor(runner, s.batchOpts)
	results, err := executor.Execute(r.Context(), body.Actions)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": results})
}

// runBatchItem replays a sub-request through the server's own routing so
// each item carries the caller's credentials and gets the exact semantics
// of the standalone endpoint.
func (s *Server) runBatchItem(ctx context.Context, item workgraph.BatchItem, auth, correlationID string) workgraph.BatchResult {
	path := "/v1" + strings.TrimSuffix("/"+strings.TrimPrefix(strings.TrimSpace(item.RelativePath), "/"), "/")
	if path == "/v1/batch" || path == "/v1" {
		return workgraph.BatchResult{
			StatusCode: http.StatusBadRequest,
			Body: map[string]any{
				"code":    "bad_request",
				"message": "invalid relativePath for batch item",
			},
		}
	}
	method := strings.ToUpper(strings.TrimSpace(item.Method))
	if method == "" {
		method = http.MethodGet
	}

	var reqBody io.Reader
	if len(item.Data) > 0 {
		if method == http.MethodGet {
			// For reads, data keys become query parameters.
			q := make([]string, 0, len(item.Data))
			for key, value := range item.Data {
				if str, ok := value.(string); ok {
					q = append(q, key+"="+str)
				}
			}
			if len(q) > 0 {
				path += "?" + strings.Join(q, "&")
			}
		} else {
			encoded, err := json.Marshal(item.Data)
			if err != nil {
				return workgraph.BatchResult{
					StatusCode: http.StatusBadRequest,
					Body: map[string]any{
						"code":    "bad_request",
						"message": "batch item data is not encodable",
					},
				}
			}
			reqBody = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, path, reqBody)
	if err != nil {
		return workgraph.BatchResult{
			StatusCode: http.StatusBadRequest,
			Body: map[string]any{
				"code":    "bad_request",
				"message": "batch item did not form a valid request",
			},
		}
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("X-Correlation-Id", correlationID)
	req.Header.Set(batchItemHeader, "1")

	rec := newBatchRecorder()
	s.ServeHTTP(rec, req)

	headers := map[string]string{}
	for key := range rec.header {
		headers[key] = rec.header.Get(key)
	}
	var decoded any
	if rec.body.Len() > 0 {
		if err := json.Unmarshal(rec.body.Bytes(), &decoded); err != nil {
			decoded = rec.body.String()
		}
	}
	return workgraph.BatchResult{
		StatusCode: rec.status,
		Headers:    headers,
		Body:       decoded,
	}
}

// batchRecorder captures a replayed batch item's response in memory.
type batchRecorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{status: http.StatusOK, header: http.Header{}}
}

func (r *batchRecorder) Header() http.Header { return r.header }

func (r *batchRecorder) WriteHeader(status int) { r.status = status }

func (r *batchRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *workgraph.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":            "conflict",
			"message":         err.Error(),
			"correlationId":   correlationID,
			"expectedVersion": conflict.ExpectedVersion,
			"currentVersion":  conflict.CurrentVersion,
		})
		return
	}
	var cycle *workgraph.CycleError
	if errors.As(err, &cycle) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "cycle_detected",
			"message":       err.Error(),
			"correlationId": correlationID,
			"relation":      cycle.Relation,
			"path":          cycle.Path,
		})
		return
	}
	var expired *workgraph.CursorExpiredError
	if errors.As(err, &expired) {
		writeError(w, http.StatusPreconditionFailed, "sync_expired", err.Error(), correlationID)
		return
	}
	switch {
	case errors.Is(err, workgraph.ErrValidation):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, workgraph.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, "batch_too_large", err.Error(), correlationID)
	case errors.Is(err, workgraph.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, workgraph.ErrHandshakeTimeout):
		writeError(w, http.StatusGatewayTimeout, "handshake_failed", err.Error(), correlationID)
	case errors.Is(err, workgraph.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
