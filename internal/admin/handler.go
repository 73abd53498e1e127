package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stratahq/strata/internal/core"
	"github.com/stratahq/strata/internal/repository"
	"github.com/stratahq/strata/internal/server"
)

type adminContextKey string

const sessionContextKey adminContextKey = "admin_session"

const adminAuditWriteTimeout = 2 * time.Second

// Handler serves the Tailscale-fronted writer UI: session-cookie
// authenticated HTML forms for layer, experiment, and field-type CRUD
// across every project, plus API key issuance and the audit log.
type Handler struct {
	Repo          *repository.PostgresRepository
	Service       server.Service
	SessionMgr    *SessionManager
	AdminHostname string
	log           *slog.Logger
	mux           *http.ServeMux
}

func NewHandler(repo *repository.PostgresRepository, svc server.Service, sessionMgr *SessionManager, adminHostname string, log *slog.Logger) *Handler {
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
	mux.HandleFunc("/projects", h.requireAuth(h.handleProjects))
	mux.HandleFunc("/projects/", h.requireAuth(h.handleProjectDetail))
	mux.HandleFunc("/api-keys/", h.requireAuth(h.handleAPIKeys))
	mux.HandleFunc("/api-keys/delete/", h.requireAuth(h.handleDeleteAPIKey))
	mux.HandleFunc("/audit-log/", h.requireAuth(h.handleAuditLog))

	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(content))))

	return mux
}

// requireAuth ensures a valid session exists and validates the CSRF token
// on state-changing requests.
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

		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
			csrfToken := r.FormValue("csrf_token")
			if csrfToken == "" {
				csrfToken = r.Header.Get("X-CSRF-Token")
			}
			if !constantTimeEqual(csrfToken, session.CSRFToken) {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next(w, r.WithContext(ctx))
	}
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
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
		if err := Render(w, "setup.html", map[string]any{"CSRFToken": csrfToken}); err != nil {
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
			h.renderSetupError(w, "Username must be between 3 and 50 characters")
			return
		}
		for _, c := range username {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.') {
				h.renderSetupError(w, "Username may only contain letters, digits, underscores, hyphens, and dots")
				return
			}
		}
		if password != confirm {
			h.renderSetupError(w, "Passwords do not match")
			return
		}
		if len(password) < 12 {
			h.renderSetupError(w, "Password must be at least 12 characters")
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
			h.renderSetupError(w, "Failed to create user")
			return
		}

		h.logAudit(r.Context(), user.ID, "admin_setup", "", "admin_user", user.ID, map[string]string{"username": username})

		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func (h *Handler) renderSetupError(w http.ResponseWriter, msg string) {
	if err := Render(w, "setup.html", map[string]any{"Error": msg}); err != nil {
		h.log.Error("render error", "error", err)
	}
}

func (h *Handler) setCSRFCookie(w http.ResponseWriter, r *http.Request, token string) {
	isSecure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     "strata_csrf",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecure,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == "GET" {
		csrfToken := h.generateCSRFToken()
		h.setCSRFCookie(w, r, csrfToken)
		if err := Render(w, "login.html", map[string]any{"CSRFToken": csrfToken}); err != nil {
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

		remoteAddr := trustedRemoteAddr(r)

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

		h.logAudit(r.Context(), user.ID, "admin_login", "", "admin_user", user.ID, nil)

		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// trustedRemoteAddr only trusts proxy headers when the request comes from
// a loopback or private address (i.e., a trusted reverse proxy).
func trustedRemoteAddr(r *http.Request) string {
	remoteAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	ip := net.ParseIP(remoteAddr)
	if ip == nil || (!ip.IsLoopback() && !ip.IsPrivate()) {
		return remoteAddr
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return remoteAddr
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method == "POST" {
		cookie, err := r.Cookie(sessionCookieName)
		if err == nil {
			h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		if cookie, cerr := r.Cookie(sessionCookieName); cerr == nil {
			h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	projects, err := h.Repo.ListProjects(r.Context())
	if err != nil {
		http.Error(w, "Failed to list projects", http.StatusInternalServerError)
		return
	}

	if err := Render(w, "dashboard.html", map[string]any{
		"User":      user,
		"Projects":  projects,
		"CSRFToken": session.CSRFToken,
	}); err != nil {
		h.log.Error("render error", "error", err)
	}
}

func (h *Handler) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session, ok := h.session(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	name := r.FormValue("name")
	desc := r.FormValue("description")

	p, err := h.Repo.CreateProject(r.Context(), name, desc)
	if err != nil {
		http.Error(w, "Failed to create project", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "project_create", p.ID, "project", p.ID, map[string]string{"name": name})

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	// URL pattern: /projects/{id} or /projects/{id}/layers..., /experiments..., /field-types
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/projects/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		http.NotFound(w, r)
		return
	}
	projectID := pathParts[0]

	project, err := h.Repo.GetProject(r.Context(), projectID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}

	if len(pathParts) > 1 {
		switch pathParts[1] {
		case "layers":
			h.handleLayers(w, r, &project, pathParts[2:])
			return
		case "experiments":
			h.handleExperiments(w, r, &project, pathParts[2:])
			return
		case "field-types":
			h.handleFieldTypes(w, r, &project)
			return
		}
	}

	h.renderProjectDetail(w, r, &project, user, session, "")
}

func (h *Handler) renderProjectDetail(w http.ResponseWriter, r *http.Request, project *repository.Project, user repository.AdminUser, session repository.AdminSession, formError string) {
	layers, err := h.Service.ListLayers(r.Context(), project.ID)
	if err != nil {
		http.Error(w, "Failed to list layers", http.StatusInternalServerError)
		return
	}
	experiments, err := h.Service.ListExperiments(r.Context(), project.ID)
	if err != nil {
		http.Error(w, "Failed to list experiments", http.StatusInternalServerError)
		return
	}
	fieldTypes, err := h.Service.GetFieldTypes(r.Context(), project.ID)
	if err != nil {
		http.Error(w, "Failed to load field types", http.StatusInternalServerError)
		return
	}

	if err := Render(w, "project.html", map[string]any{
		"User":        user,
		"Project":     project,
		"Layers":      layers,
		"Experiments": experiments,
		"FieldTypes":  fieldTypes,
		"CSRFToken":   session.CSRFToken,
		"Error":       formError,
	}); err != nil {
		h.log.Error("render error", "error", err)
	}
}

func (h *Handler) handleLayers(w http.ResponseWriter, r *http.Request, project *repository.Project, subPath []string) {
	session, ok := h.session(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	// POST /projects/{id}/layers
	if len(subPath) == 0 && r.Method == "POST" {
		layer, err := layerFromForm(r)
		if err != nil {
			h.renderProjectDetail(w, r, project, h.mustUser(r, session), session, err.Error())
			return
		}

		created, err := h.Service.CreateLayer(r.Context(), project.ID, layer)
		if err != nil {
			http.Error(w, "Failed to create layer: "+err.Error(), http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "layer_create", project.ID, "layer", created.LayerID, map[string]string{"layer_id": created.LayerID})

		http.Redirect(w, r, fmt.Sprintf("/projects/%s", project.ID), http.StatusFound)
		return
	}

	if len(subPath) < 1 {
		http.NotFound(w, r)
		return
	}
	layerID := subPath[0]

	// POST /projects/{id}/layers/{layerID}/toggle
	if len(subPath) == 2 && subPath[1] == "toggle" && r.Method == "POST" {
		layer, err := h.Service.GetLayer(r.Context(), project.ID, layerID)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		layer.Enabled = !layer.Enabled
		if _, err := h.Service.UpdateLayer(r.Context(), project.ID, layer); err != nil {
			http.Error(w, "Failed to update layer", http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "layer_toggle", project.ID, "layer", layerID, map[string]bool{"enabled": layer.Enabled})

		http.Redirect(w, r, fmt.Sprintf("/projects/%s", project.ID), http.StatusFound)
		return
	}

	// DELETE /projects/{id}/layers/{layerID}
	if len(subPath) == 1 && r.Method == "DELETE" {
		if err := h.Service.DeleteLayer(r.Context(), project.ID, layerID); err != nil {
			http.Error(w, "Failed to delete layer", http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "layer_delete", project.ID, "layer", layerID, nil)

		if r.Header.Get("HX-Request") == "true" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/projects/%s", project.ID), http.StatusFound)
		return
	}

	http.NotFound(w, r)
}

// layerFromForm builds a core.Layer from an admin form post. Ranges are
// submitted as a JSON array since a bucket-range list has no sane flat
// form encoding; every other field is a plain scalar input.
func layerFromForm(r *http.Request) (core.Layer, error) {
	layerID := strings.TrimSpace(r.FormValue("layer_id"))
	if layerID == "" {
		return core.Layer{}, errors.New("layer_id is required")
	}
	priority, err := strconv.Atoi(r.FormValue("priority"))
	if err != nil {
		return core.Layer{}, errors.New("priority must be an integer")
	}

	var ranges []core.Range
	if raw := strings.TrimSpace(r.FormValue("ranges")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ranges); err != nil {
			return core.Layer{}, fmt.Errorf("ranges must be valid JSON: %w", err)
		}
	}

	var services []string
	if raw := strings.TrimSpace(r.FormValue("services")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				services = append(services, s)
			}
		}
	}

	return core.Layer{
		LayerID:  layerID,
		Version:  strings.TrimSpace(r.FormValue("version")),
		Priority: int32(priority),
		HashKey:  strings.TrimSpace(r.FormValue("hash_key")),
		Salt:     strings.TrimSpace(r.FormValue("salt")),
		Enabled:  r.FormValue("enabled") == "on",
		Ranges:   ranges,
		Service:  strings.TrimSpace(r.FormValue("service")),
		Services: services,
	}, nil
}

func (h *Handler) handleExperiments(w http.ResponseWriter, r *http.Request, project *repository.Project, subPath []string) {
	session, ok := h.session(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if len(subPath) == 0 && r.Method == "POST" {
		exp, err := experimentFromForm(r)
		if err != nil {
			h.renderProjectDetail(w, r, project, h.mustUser(r, session), session, err.Error())
			return
		}

		created, err := h.Service.CreateExperiment(r.Context(), project.ID, exp)
		if err != nil {
			http.Error(w, "Failed to create experiment: "+err.Error(), http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "experiment_create", project.ID, "experiment", strconv.FormatInt(created.EID, 10), nil)

		http.Redirect(w, r, fmt.Sprintf("/projects/%s", project.ID), http.StatusFound)
		return
	}

	if len(subPath) != 1 {
		http.NotFound(w, r)
		return
	}
	eid, err := strconv.ParseInt(subPath[0], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if r.Method == "DELETE" {
		if err := h.Service.DeleteExperiment(r.Context(), project.ID, eid); err != nil {
			http.Error(w, "Failed to delete experiment", http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "experiment_delete", project.ID, "experiment", subPath[0], nil)

		if r.Header.Get("HX-Request") == "true" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/projects/%s", project.ID), http.StatusFound)
		return
	}

	http.NotFound(w, r)
}

// experimentFromForm builds a core.Experiment from a form post. Rule and
// variants are submitted as raw JSON textareas, matching how layerFromForm
// treats ranges: a rule tree and a variant/params list are both
// structurally rich enough that a flat form encoding would just be a
// hand-rolled JSON parser with extra steps.
func experimentFromForm(r *http.Request) (core.Experiment, error) {
	service := strings.TrimSpace(r.FormValue("service"))
	if service == "" {
		return core.Experiment{}, errors.New("service is required")
	}

	var rule core.Node
	if raw := strings.TrimSpace(r.FormValue("rule")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			return core.Experiment{}, fmt.Errorf("rule must be valid JSON: %w", err)
		}
	}

	var variants []core.Variant
	if raw := strings.TrimSpace(r.FormValue("variants")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &variants); err != nil {
			return core.Experiment{}, fmt.Errorf("variants must be valid JSON: %w", err)
		}
	}

	return core.Experiment{Service: service, Rule: rule, Variants: variants}, nil
}

func (h *Handler) handleFieldTypes(w http.ResponseWriter, r *http.Request, project *repository.Project) {
	session, ok := h.session(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	field := strings.TrimSpace(r.FormValue("field"))
	kind := core.FieldKind(r.FormValue("kind"))
	if field == "" {
		h.renderProjectDetail(w, r, project, h.mustUser(r, session), session, "field name is required")
		return
	}

	if err := h.Service.SetFieldType(r.Context(), project.ID, field, kind); err != nil {
		http.Error(w, "Failed to set field type: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.logAudit(r.Context(), session.AdminUserID, "field_type_set", project.ID, "field_type", field, map[string]string{"kind": string(kind)})

	http.Redirect(w, r, fmt.Sprintf("/projects/%s", project.ID), http.StatusFound)
}

func (h *Handler) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := h.session(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	projectID := strings.TrimPrefix(r.URL.Path, "/api-keys/")
	if projectID == "" {
		http.NotFound(w, r)
		return
	}

	project, err := h.Repo.GetProject(r.Context(), projectID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}

	if r.Method == "POST" {
		keyID, rawSecret, createErr := h.Repo.CreateAPIKey(r.Context(), projectID)
		if createErr != nil {
			http.Error(w, "Failed to create API key", http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "api_key_create", projectID, "api_key", keyID, nil)
		h.SessionMgr.SetAPIKeyFlash(session.IDHash, projectID, keyID, rawSecret)

		http.Redirect(w, r, fmt.Sprintf("/api-keys/%s", projectID), http.StatusFound)
		return
	}

	keys, err := h.Repo.ListAPIKeys(r.Context(), projectID)
	if err != nil {
		http.Error(w, "Failed to list API keys", http.StatusInternalServerError)
		return
	}

	data := map[string]any{
		"User":      user,
		"Project":   project,
		"APIKeys":   keys,
		"CSRFToken": session.CSRFToken,
	}
	if keyID, secret, ok := h.SessionMgr.PopAPIKeyFlash(session.IDHash, projectID); ok {
		data["NewKeyID"] = keyID
		data["NewSecret"] = secret
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if renderErr := Render(w, "api_keys.html", data); renderErr != nil {
		h.log.Error("render error", "error", renderErr)
	}
}

func (h *Handler) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := h.session(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	projectID := strings.TrimPrefix(r.URL.Path, "/api-keys/delete/")
	if projectID == "" {
		http.NotFound(w, r)
		return
	}

	keyID := r.FormValue("key_id")
	if keyID == "" {
		http.Error(w, "Missing key_id", http.StatusBadRequest)
		return
	}

	if err := h.Repo.DeleteAPIKey(r.Context(), projectID, keyID); err != nil {
		http.Error(w, "Failed to delete API key", http.StatusInternalServerError)
		return
	}
	h.logAudit(r.Context(), session.AdminUserID, "api_key_delete", projectID, "api_key", keyID, nil)

	http.Redirect(w, r, fmt.Sprintf("/api-keys/%s", projectID), http.StatusFound)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := h.session(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	projectID := strings.TrimPrefix(r.URL.Path, "/audit-log/")
	if projectID == "" {
		http.NotFound(w, r)
		return
	}

	project, err := h.Repo.GetProject(r.Context(), projectID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}

	entries, err := h.Repo.ListAuditLog(r.Context(), projectID, 100, 0)
	if err != nil {
		http.Error(w, "Failed to load audit log", http.StatusInternalServerError)
		return
	}

	if renderErr := Render(w, "audit_log.html", map[string]any{
		"User":      user,
		"Project":   project,
		"Entries":   entries,
		"CSRFToken": session.CSRFToken,
	}); renderErr != nil {
		h.log.Error("render error", "error", renderErr)
	}
}

func (h *Handler) session(r *http.Request) (repository.AdminSession, bool) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	return session, ok
}

func (h *Handler) mustUser(r *http.Request, session repository.AdminSession) repository.AdminUser {
	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		return repository.AdminUser{ID: session.AdminUserID}
	}
	return user
}

func (h *Handler) generateCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// validateDoubleSubmitCSRF checks that the CSRF form value matches the
// strata_csrf cookie, implementing the double-submit cookie pattern for
// pre-authentication forms (login, setup).
func (h *Handler) validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie("strata_csrf")
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	if formToken == "" {
		return false
	}
	return constantTimeEqual(cookie.Value, formToken)
}

// logAudit writes an audit log entry on a best-effort basis. Failures are
// logged but never propagated to the caller.
func (h *Handler) logAudit(ctx context.Context, adminUserID, action, projectID, entityType, entityID string, details any) {
	entry, err := buildAuditEntry(adminUserID, action, projectID, entityType, entityID, details)
	if err != nil {
		h.log.Error("audit log: marshal details",
			"error", err, "action", action, "project_id", projectID, "entity_id", entityID, "admin_user_id", adminUserID)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminAuditWriteTimeout)
	defer cancel()

	if err := h.Repo.InsertAuditLog(writeCtx, entry); err != nil {
		h.log.Error("audit log write failed",
			"error", err, "action", action, "project_id", projectID, "entity_id", entityID, "admin_user_id", adminUserID)
	}
}
