package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fedipedia/api/internal/federation"
)

// maxBodyBytes caps request bodies on both the API and the inbox.
const maxBodyBytes = 1 << 20

type HTTPServer struct {
	service *Service
	inbox   *federation.Handlers
	metrics http.Handler
	log     zerolog.Logger
}

func NewHTTPServer(service *Service, inbox *federation.Handlers, metricsHandler http.Handler, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service: service,
		inbox:   inbox,
		metrics: metricsHandler,
		log:     log.With().Str("component", "http").Logger(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/healthz" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "database unreachable", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/v1/") {
		s.handleAPI(w, r)
		return
	}

	s.handleFederation(w, r)
}

// --- federation surface ---

func (s *HTTPServer) handleFederation(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)

	if r.Method == http.MethodPost && r.URL.Path == "/inbox" {
		s.handleInbox(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", nil)
		return
	}

	switch {
	case len(parts) == 0:
		doc, err := s.service.FederationInstance(r.Context())
		s.writeFederation(w, doc, err)
	case len(parts) == 2 && parts[0] == "user":
		doc, err := s.service.FederationPerson(r.Context(), parts[1])
		s.writeFederation(w, doc, err)
	case len(parts) == 1 && parts[0] == "all_articles":
		doc, err := s.service.FederationArticles(r.Context())
		s.writeFederation(w, doc, err)
	case len(parts) == 2 && parts[0] == "article":
		doc, err := s.service.FederationArticle(r.Context(), parts[1])
		s.writeFederation(w, doc, err)
	case len(parts) == 3 && parts[0] == "article" && parts[2] == "edits":
		doc, err := s.service.FederationEdits(r.Context(), parts[1])
		s.writeFederation(w, doc, err)
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", nil)
	}
}

func (s *HTTPServer) writeFederation(w http.ResponseWriter, doc any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", "application/activity+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

// handleInbox verifies and processes one delivery. Verification failures are
// answered 400 without detail; processing failures after verification are
// this side's problem and answered 500.
func (s *HTTPServer) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read body", nil)
		return
	}
	var activity federation.Activity
	if err := json.Unmarshal(body, &activity); err != nil || activity.ID == "" || activity.Type == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid activity", nil)
		return
	}

	if err := s.inbox.ReceiveRequest(r.Context(), r, body, activity); err != nil {
		s.log.Warn().Err(err).Str("activity", activity.ID).Str("type", activity.Type).Msg("inbox rejected activity")
		writeError(w, http.StatusBadRequest, "REJECTED", "activity rejected", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- local API ---

func (s *HTTPServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1")

	// Account endpoints need no token.
	if r.Method == http.MethodPost && path == "/account/register" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) { return s.service.Register(r.Context(), body.Username, body.Password) })
		return
	}
	if r.Method == http.MethodPost && path == "/account/login" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) { return s.service.Login(r.Context(), body.Username, body.Password) })
		return
	}

	// Read endpoints are public.
	if r.Method == http.MethodGet {
		switch path {
		case "/article":
			s.respond(w, func() (any, error) {
				q := r.URL.Query()
				article, edits, err := s.service.GetArticle(r.Context(), q.Get("id"), q.Get("title"), q.Get("domain"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"article": article, "edits": edits}, nil
			})
			return
		case "/article/list":
			s.respond(w, func() (any, error) {
				q := r.URL.Query()
				onlyLocal := q.Get("onlyLocal") == "true"
				return s.service.ListArticles(r.Context(), onlyLocal, q.Get("instanceId"))
			})
			return
		case "/article/search":
			s.respond(w, func() (any, error) {
				q := r.URL.Query()
				limit, _ := strconv.Atoi(q.Get("limit"))
				offset, _ := strconv.Atoi(q.Get("offset"))
				return s.service.SearchArticles(r.Context(), q.Get("query"), limit, offset)
			})
			return
		}
	}

	requester, err := s.service.RequesterFromToken(bearerToken(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	switch {
	case r.Method == http.MethodPost && path == "/article":
		var body CreateArticleInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) { return s.service.CreateArticle(r.Context(), body, requester) })

	case r.Method == http.MethodPatch && path == "/article":
		var body EditArticleInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) {
			conflict, err := s.service.EditArticle(r.Context(), body, requester)
			if err != nil {
				return nil, err
			}
			return map[string]any{"conflict": conflict}, nil
		})

	case r.Method == http.MethodPost && path == "/article/fork":
		var body ForkArticleInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) { return s.service.ForkArticle(r.Context(), body, requester) })

	case r.Method == http.MethodPost && path == "/article/protect":
		var body struct {
			ArticleID string `json:"articleId"`
			Protected bool   `json:"protected"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) {
			return s.service.ProtectArticle(r.Context(), body.ArticleID, body.Protected, requester)
		})

	case r.Method == http.MethodPost && path == "/article/approve":
		var body struct {
			ArticleID string `json:"articleId"`
			Approve   bool   `json:"approve"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) {
			if err := s.service.ApproveArticle(r.Context(), body.ArticleID, body.Approve, requester); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		})

	case r.Method == http.MethodPost && path == "/article/export":
		var body struct {
			ArticleID string `json:"articleId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) {
			exportPath, err := s.service.ExportArticle(r.Context(), body.ArticleID, requester)
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": exportPath}, nil
		})

	case r.Method == http.MethodGet && path == "/conflicts":
		s.respond(w, func() (any, error) { return s.service.ListConflicts(r.Context(), requester) })

	case r.Method == http.MethodDelete && path == "/conflict":
		var body struct {
			ConflictID string `json:"conflictId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) {
			if err := s.service.DeleteConflict(r.Context(), body.ConflictID, requester); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		})

	case r.Method == http.MethodPost && path == "/instance/follow":
		var body struct {
			ID string `json:"id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) { return s.service.FollowInstance(r.Context(), body.ID, requester) })

	case r.Method == http.MethodGet && path == "/instance/list":
		s.respond(w, func() (any, error) { return s.service.ListInstances(r.Context(), requester) })

	case r.Method == http.MethodPost && path == "/resolve":
		var body struct {
			ID string `json:"id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) { return s.service.ResolveRemote(r.Context(), body.ID) })

	case r.Method == http.MethodGet && path == "/notifications":
		s.respond(w, func() (any, error) { return s.service.Notifications(r.Context(), requester) })

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", nil)
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, fn func() (any, error)) {
	payload, err := fn()
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
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
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "internal error", nil
}
