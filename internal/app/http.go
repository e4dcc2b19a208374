package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"draftsync/internal/action"
	"draftsync/internal/broadcast"
	"draftsync/internal/metrics"
	"draftsync/internal/search"
)

const (
	headerActorKind = "x-draftsync-actor-kind"
	headerActorID   = "x-draftsync-actor-id"
	headerSyncToken = "x-draftsync-sync-token"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	ws         *broadcast.WSHandler
}

func NewHTTPServer(service *Service, corsOrigin string, wsConfig broadcast.WSConfig) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		ws:         broadcast.NewWSHandler(service, wsConfig),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"stores": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["stores"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/internal/") {
		syncToken := strings.TrimSpace(r.Header.Get(headerSyncToken))
		if syncToken == "" || syncToken != s.service.SyncToken() {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		s.handleInternal(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "ws" && parts[1] == "sessions" && r.Method == http.MethodGet {
		query := r.URL.Query()
		actor := action.Actor{
			Kind: firstNonBlank(query.Get("actorKind"), action.ActorUser),
			ID:   strings.TrimSpace(query.Get("actorId")),
		}
		s.ws.ServeSession(w, r, parts[2], actor)
		return
	}

	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	actor := actorFrom(r)
	switch parts[1] {
	case "sessions":
		if len(parts) == 2 {
			s.handleSessions(w, r, actor)
			return
		}
		s.handleSession(w, r, actor, parts[2], parts[3:])
		return
	case "artifacts":
		s.handleArtifacts(w, r, parts[2:])
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, actor action.Actor) {
	switch r.Method {
	case http.MethodPost:
		var body CreateSessionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreateSession(r.Context(), body, actor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	case http.MethodGet:
		owner := firstNonBlank(r.URL.Query().Get("owner"), actor.ID)
		items, err := s.service.ListSessions(r.Context(), owner)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, actor action.Actor, sessionID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.ResumeSession(ctx, sessionID, actor)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.service.Discard(ctx, sessionID, actor); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessionId": sessionID})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch route := rest[0]; {
	case route == "actions" && r.Method == http.MethodPost:
		var body struct {
			Action *action.Action `json:"action"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Action == nil {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "action is required", nil)
			return
		}
		result, err := s.service.ApplyAction(ctx, sessionID, *body.Action, actor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"document":       result.Document,
			"version":        result.Version,
			"historyEntryId": result.HistoryEntryID,
			"changed":        result.Changed,
		})

	case (route == "undo" || route == "redo") && r.Method == http.MethodPost:
		var (
			result StepResult
			err    error
		)
		if route == "undo" {
			result, err = s.service.Undo(ctx, sessionID, actor)
		} else {
			result, err = s.service.Redo(ctx, sessionID, actor)
		}
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case route == "history" && r.Method == http.MethodGet:
		view, err := s.service.GetHistory(ctx, sessionID, actor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case route == "stats" && r.Method == http.MethodGet:
		stats, err := s.service.GetStats(ctx, sessionID, actor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	case route == "commit" && r.Method == http.MethodPost:
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Commit(ctx, sessionID, strings.TrimSpace(body.Message), actor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"artifactId": result.ArtifactID,
			"version":    result.Version,
			"checksum":   result.Checksum,
			"createdAt":  result.CreatedAt,
		})

	case route == "submit" && r.Method == http.MethodPost:
		var body SubmitInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SubmitDocument(ctx, sessionID, body, actor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case route == "checkpoints" && r.Method == http.MethodGet:
		items, err := s.service.ListCheckpoints(ctx, sessionID, actor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"checkpoints": items})

	case route == "checkpoints" && r.Method == http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		cp, err := s.service.CreateCheckpoint(ctx, sessionID, body.Name, actor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cp)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleArtifacts(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if len(rest) == 1 {
		artifact, err := s.service.GetArtifact(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, artifact)
		return
	}
	if len(rest) > 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	query := r.URL.Query()
	q := search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		TemplateID: strings.TrimSpace(query.Get("templateId")),
		Owner:      strings.TrimSpace(query.Get("owner")),
		Limit:      20,
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			q.Limit = parsed
		}
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}
	resp, err := s.service.SearchArtifacts(r.Context(), q)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleInternal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	var (
		result ActionResult
		err    error
	)
	switch r.URL.Path {
	case "/api/internal/events/agent-output":
		var body AgentOutput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err = s.service.ConsumeAgentOutput(r.Context(), body)
	case "/api/internal/events/workflow-stage":
		var body WorkflowStage
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err = s.service.ConsumeWorkflowStage(r.Context(), body)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// actorFrom reads the caller identity forwarded by the fronting gateway.
func actorFrom(r *http.Request) action.Actor {
	return action.Actor{
		Kind: firstNonBlank(r.Header.Get(headerActorKind), action.ActorUser),
		ID:   strings.TrimSpace(r.Header.Get(headerActorID)),
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(writer.status))
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the push channel upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// routeLabel collapses ids so request metrics stay low-cardinality.
func routeLabel(path string) string {
	parts := splitPath(path)
	switch {
	case len(parts) >= 3 && parts[0] == "api" && (parts[1] == "sessions" || parts[1] == "artifacts"):
		parts[2] = "{id}"
	case len(parts) == 3 && parts[0] == "ws":
		parts[2] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Draftsync-Actor-Kind, X-Draftsync-Actor-Id")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(asDomain(err), &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	log.Printf("http: unmapped error: %v", err)
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
