// Package admin serves the operator portal: session-based login, flag
// management forms, API key administration, and the audit log. It is
// intended to be exposed only on a private tailnet listener.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hearthvault/gatekeeper/internal/core"
	"github.com/hearthvault/gatekeeper/internal/repository"
	"github.com/hearthvault/gatekeeper/internal/service"
)

type adminContextKey string

const sessionContextKey adminContextKey = "admin_session"

const (
	adminAuditWriteTimeout = 2 * time.Second
	auditLogPageSize       = 100
	csrfCookieName         = "gatekeeper_csrf"
)

type Handler struct {
	Repo          *repository.PostgresRepository
	Service       *service.Service
	SessionMgr    *SessionManager
	AdminHostname string
	log           *slog.Logger
	mux           *http.ServeMux
}

func NewHandler(repo *repository.PostgresRepository, svc *service.Service, sessionMgr *SessionManager, adminHostname string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		Repo:          repo,
		Service:       svc,
		SessionMgr:    sessionMgr,
		AdminHostname: adminHostname,
		log:           log,
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("/login", h.handleLogin)
	mux.HandleFunc("/setup", h.handleSetup)
	mux.HandleFunc("/logout", h.handleLogout)

	// Protected routes
	mux.HandleFunc("/", h.requireAuth(h.handleDashboard))
	mux.HandleFunc("/flags", h.requireAuth(h.handleCreateFlag))
	mux.HandleFunc("/flags/", h.requireAuth(h.handleFlagDetail))
	mux.HandleFunc("/api-keys", h.requireAuth(h.handleAPIKeys))
	mux.HandleFunc("/api-keys/delete", h.requireAuth(h.handleDeleteAPIKey))
	mux.HandleFunc("/audit-log", h.requireAuth(h.handleAuditLog))

	// Static assets
	mux.Handle("/static/", http.FileServerFS(content))

	return mux
}

// requireAuth middleware ensures a valid session exists and validates
// CSRF tokens on state-changing requests.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		session, err := h.SessionMgr.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		// Validate CSRF token on state-changing requests
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
			csrfToken := r.FormValue("csrf_token")
			if csrfToken == "" {
				csrfToken = r.Header.Get("X-CSRF-Token")
			}
			if subtle.ConstantTimeCompare([]byte(csrfToken), []byte(session.CSRFToken)) != 1 {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next(w, r.WithContext(ctx))
	}
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	// Check if admin user exists
	exists, err := h.Repo.HasAdminUsers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if r.Method == "GET" {
		csrfToken := h.generateCSRFToken()
		h.setCSRFCookie(w, r, csrfToken)
		if err := Render(w, "setup.html", map[string]any{
			"CSRFToken": csrfToken,
		}); err != nil {
			h.log.Error("render error", "error", err)
		}
		return
	}

	if r.Method == "POST" {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := strings.TrimSpace(r.FormValue("username"))
		password := r.FormValue("password")
		confirm := r.FormValue("confirm_password")

		if len(username) < 3 || len(username) > 50 {
			if err := Render(w, "setup.html", map[string]any{"Error": "Username must be between 3 and 50 characters"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}
		for _, c := range username {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.') {
				if err := Render(w, "setup.html", map[string]any{"Error": "Username may only contain letters, digits, underscores, hyphens, and dots"}); err != nil {
					h.log.Error("render error", "error", err)
				}
				return
			}
		}

		if password != confirm {
			if err := Render(w, "setup.html", map[string]any{"Error": "Passwords do not match"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		if len(password) < 12 {
			if err := Render(w, "setup.html", map[string]any{"Error": "Password must be at least 12 characters"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		hash, err := HashPassword(password)
		if err != nil {
			http.Error(w, "Failed to hash password", http.StatusInternalServerError)
			return
		}

		user, err := h.Repo.CreateAdminUser(r.Context(), username, hash)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			h.log.Error("failed to create admin user", "error", err)
			if err := Render(w, "setup.html", map[string]any{"Error": "Failed to create user"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		h.logAudit(r.Context(), user.ID, "admin_setup", "", "", map[string]string{"username": username})

		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == "GET" {
		csrfToken := h.generateCSRFToken()
		h.setCSRFCookie(w, r, csrfToken)
		if err := Render(w, "login.html", map[string]any{
			"CSRFToken": csrfToken,
		}); err != nil {
			h.log.Error("render error", "error", err)
		}
		return
	}

	if r.Method == "POST" {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := r.FormValue("username")
		password := r.FormValue("password")

		remoteAddr := clientIP(r)

		if allowed := h.SessionMgr.CheckLoginRateLimit(remoteAddr); !allowed {
			if err := Render(w, "login.html", map[string]any{"Error": "Too many attempts. Please try again later."}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		user, err := h.Repo.GetAdminUserByUsername(r.Context(), username)
		if err != nil {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			if err := Render(w, "login.html", map[string]any{"Error": "Invalid credentials"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		match, err := VerifyPassword(password, user.PasswordHash)
		if err != nil || !match {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			if err := Render(w, "login.html", map[string]any{"Error": "Invalid credentials"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		token, err := h.SessionMgr.GenerateSession(r.Context(), user.ID)
		if err != nil {
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		h.SessionMgr.SetSessionCookie(w, token)

		h.logAudit(r.Context(), user.ID, "admin_login", "", "", nil)

		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// clientIP resolves the caller's IP, trusting proxy headers only when the
// request comes from a loopback or private address.
func clientIP(r *http.Request) string {
	remoteAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	if ip := net.ParseIP(remoteAddr); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	return remoteAddr
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method == "POST" {
		cookie, err := r.Cookie(sessionCookieName)
		if err == nil {
			_ = h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		if cookie, cerr := r.Cookie(sessionCookieName); cerr == nil {
			_ = h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	flags, err := h.Service.ListFlags(r.Context())
	if err != nil {
		http.Error(w, "Failed to list flags", http.StatusInternalServerError)
		return
	}

	if err := Render(w, "dashboard.html", map[string]any{
		"User":      user,
		"Flags":     flags,
		"CSRFToken": session.CSRFToken,
	}); err != nil {
		h.log.Error("render error", "error", err)
	}
}

// handleCreateFlag handles POST /flags from the dashboard form.
func (h *Handler) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	flag := core.Flag{
		Key:         strings.TrimSpace(r.FormValue("key")),
		Name:        strings.TrimSpace(r.FormValue("name")),
		Description: r.FormValue("description"),
	}

	created, err := h.Service.CreateFlag(r.Context(), flag)
	if err != nil {
		http.Error(w, "Failed to create flag: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "flag_create", created.Key, "", map[string]string{"name": created.Name})

	http.Redirect(w, r, "/", http.StatusFound)
}

// handleFlagDetail routes /flags/{key} and its sub-actions:
//
//	GET  /flags/{key}                  detail page
//	POST /flags/{key}/force            set force_on / force_off / clear
//	POST /flags/{key}/archive          archive the flag
//	POST /flags/{key}/targeting/{env}  replace per-environment targeting
func (h *Handler) handleFlagDetail(w http.ResponseWriter, r *http.Request) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/flags/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		http.NotFound(w, r)
		return
	}
	flagKey := pathParts[0]

	flag, err := h.Service.GetFlag(r.Context(), flagKey)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if len(pathParts) == 1 && r.Method == http.MethodGet {
		user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
		if err != nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}
		if err := Render(w, "flag.html", map[string]any{
			"User":         user,
			"Flag":         flag,
			"Environments": core.Environments(),
			"CSRFToken":    session.CSRFToken,
		}); err != nil {
			h.log.Error("render error", "error", err)
		}
		return
	}

	if len(pathParts) == 2 && pathParts[1] == "force" && r.Method == http.MethodPost {
		mode := r.FormValue("mode")
		switch mode {
		case "on":
			flag.ForceOn, flag.ForceOff = true, false
		case "off":
			flag.ForceOn, flag.ForceOff = false, true
		case "clear":
			flag.ForceOn, flag.ForceOff = false, false
		default:
			http.Error(w, "Invalid force mode", http.StatusBadRequest)
			return
		}

		if _, err := h.Service.UpdateFlag(r.Context(), flag); err != nil {
			http.Error(w, "Failed to update flag", http.StatusInternalServerError)
			return
		}

		h.logAudit(r.Context(), session.AdminUserID, "flag_force", flagKey, "", map[string]string{"mode": mode})

		http.Redirect(w, r, "/flags/"+flagKey, http.StatusFound)
		return
	}

	if len(pathParts) == 2 && pathParts[1] == "archive" && r.Method == http.MethodPost {
		if err := h.Service.ArchiveFlag(r.Context(), flagKey); err != nil {
			http.Error(w, "Failed to archive flag", http.StatusInternalServerError)
			return
		}

		h.logAudit(r.Context(), session.AdminUserID, "flag_archive", flagKey, "", nil)

		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if len(pathParts) == 3 && pathParts[1] == "targeting" && r.Method == http.MethodPost {
		env := core.Environment(pathParts[2])
		config, err := targetingFromForm(r)
		if err != nil {
			http.Error(w, "Invalid targeting: "+err.Error(), http.StatusBadRequest)
			return
		}

		// The portal form does not edit rules or schedules, so carry them
		// over from the stored config rather than clearing them.
		if existing, getErr := h.Service.GetTargeting(r.Context(), flagKey, env); getErr == nil {
			config.Rules = existing.Rules
			config.Schedule = existing.Schedule
		}

		if _, err := h.Service.UpsertTargeting(r.Context(), flagKey, env, config); err != nil {
			http.Error(w, "Failed to update targeting: "+err.Error(), http.StatusInternalServerError)
			return
		}

		h.logAudit(r.Context(), session.AdminUserID, "targeting_update", flagKey, string(env), map[string]any{
			"active":  config.Active,
			"rollout": config.Rollout,
		})

		http.Redirect(w, r, "/flags/"+flagKey, http.StatusFound)
		return
	}

	http.NotFound(w, r)
}

// targetingFromForm parses the flag detail targeting form.
func targetingFromForm(r *http.Request) (core.TargetingConfig, error) {
	config := core.TargetingConfig{
		Active:     r.FormValue("active") == "on",
		RolloutKey: strings.TrimSpace(r.FormValue("rollout_key")),
	}

	if raw := strings.TrimSpace(r.FormValue("rollout")); raw != "" {
		rollout, err := strconv.Atoi(raw)
		if err != nil {
			return core.TargetingConfig{}, errors.New("rollout must be an integer")
		}
		config.Rollout = rollout
	}

	if raw := strings.TrimSpace(r.FormValue("tenants")); raw != "" {
		for _, tenant := range strings.Split(raw, ",") {
			if tenant = strings.TrimSpace(tenant); tenant != "" {
				config.Tenants = append(config.Tenants, tenant)
			}
		}
	}

	if raw := strings.TrimSpace(r.FormValue("version")); raw != "" {
		version, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return core.TargetingConfig{}, errors.New("version must be an integer")
		}
		config.Version = version
	}

	return config, nil
}

func (h *Handler) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}

	if r.Method == "POST" {
		name := strings.TrimSpace(r.FormValue("name"))
		keyID, rawSecret, createErr := h.Repo.CreateAPIKey(r.Context(), name)
		if createErr != nil {
			http.Error(w, "Failed to create API key", http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "api_key_create", "", "", map[string]string{"api_key_id": keyID})

		keys, listErr := h.Repo.ListAPIKeys(r.Context())
		if listErr != nil {
			h.log.Error("failed to list API keys", "error", listErr)
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		if renderErr := Render(w, "api_keys.html", map[string]any{
			"User":      user,
			"APIKeys":   keys,
			"NewKeyID":  keyID,
			"NewSecret": rawSecret,
			"CSRFToken": session.CSRFToken,
		}); renderErr != nil {
			h.log.Error("render error", "error", renderErr)
		}
		return
	}

	keys, err := h.Repo.ListAPIKeys(r.Context())
	if err != nil {
		http.Error(w, "Failed to list API keys", http.StatusInternalServerError)
		return
	}

	if renderErr := Render(w, "api_keys.html", map[string]any{
		"User":      user,
		"APIKeys":   keys,
		"CSRFToken": session.CSRFToken,
	}); renderErr != nil {
		h.log.Error("render error", "error", renderErr)
	}
}

func (h *Handler) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	keyID := r.FormValue("key_id")
	if keyID == "" {
		http.Error(w, "Missing key_id", http.StatusBadRequest)
		return
	}

	if err := h.Repo.DeleteAPIKey(r.Context(), keyID); err != nil {
		http.Error(w, "Failed to delete API key", http.StatusInternalServerError)
		return
	}
	h.logAudit(r.Context(), session.AdminUserID, "api_key_delete", "", "", map[string]string{"api_key_id": keyID})

	http.Redirect(w, r, "/api-keys", http.StatusFound)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}

	entries, err := h.Repo.ListAuditLog(r.Context(), auditLogPageSize, 0)
	if err != nil {
		http.Error(w, "Failed to load audit log", http.StatusInternalServerError)
		return
	}

	if renderErr := Render(w, "audit_log.html", map[string]any{
		"User":      user,
		"Entries":   entries,
		"CSRFToken": session.CSRFToken,
	}); renderErr != nil {
		h.log.Error("render error", "error", renderErr)
	}
}

func (h *Handler) generateCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func (h *Handler) setCSRFCookie(w http.ResponseWriter, r *http.Request, csrfToken string) {
	isSecure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecure,
	})
}

// validateDoubleSubmitCSRF checks that the CSRF form value matches the
// gatekeeper_csrf cookie, implementing the double-submit cookie pattern for
// pre-authentication forms (login, setup).
func (h *Handler) validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	if formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) == 1
}

// logAudit writes an audit log entry on a best-effort basis.
// Failures are logged but never propagated to the caller.
func (h *Handler) logAudit(ctx context.Context, adminUserID, action, flagKey, environment string, details any) {
	entry, err := buildAuditEntry(adminUserID, action, flagKey, environment, details)
	if err != nil {
		h.log.Error("audit log: marshal details",
			"error", err,
			"action", action,
			"flag_key", flagKey,
			"environment", environment,
			"admin_user_id", adminUserID,
		)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminAuditWriteTimeout)
	defer cancel()

	if err := h.Repo.InsertAuditLog(writeCtx, entry); err != nil {
		h.log.Error("audit log write failed",
			"error", err,
			"action", action,
			"flag_key", flagKey,
			"environment", environment,
			"admin_user_id", adminUserID,
		)
	}
}
