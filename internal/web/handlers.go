package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onllm-dev/switchboard/internal/event"
	"github.com/onllm-dev/switchboard/internal/notify"
	"github.com/onllm-dev/switchboard/internal/profile"
	"github.com/onllm-dev/switchboard/internal/score"
	"github.com/onllm-dev/switchboard/internal/session"
	"github.com/onllm-dev/switchboard/internal/update"
)

// Handler handles HTTP requests from the collaborator UI.
type Handler struct {
	profiles   *profile.Store
	scorer     *score.Scorer
	supervisor *session.Supervisor
	hub        *event.Hub
	logger     *slog.Logger

	// Optional collaborators, set after construction.
	notifier *notify.Notifier
	updater  *update.Updater
}

// NewHandler creates a new Handler instance.
func NewHandler(profiles *profile.Store, scorer *score.Scorer, supervisor *session.Supervisor, hub *event.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		profiles:   profiles,
		scorer:     scorer,
		supervisor: supervisor,
		hub:        hub,
		logger:     logger,
	}
}

// SetNotifier attaches the push/email notifier serving /api/push.
func (h *Handler) SetNotifier(n *notify.Notifier) {
	h.notifier = n
}

// SetUpdater attaches the release checker serving /api/version.
func (h *Handler) SetUpdater(u *update.Updater) {
	h.updater = u
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// profilePayload is the wire form of a profile. The credential itself never
// leaves the store; the UI only learns whether one exists.
type profilePayload struct {
	ID                  string                   `json:"id"`
	Name                string                   `json:"name"`
	IsDefault           bool                     `json:"isDefault"`
	Email               string                   `json:"email,omitempty"`
	HasCredential       bool                     `json:"hasCredential"`
	CredentialCreatedAt *time.Time               `json:"credentialCreatedAt,omitempty"`
	LastUsedAt          *time.Time               `json:"lastUsedAt,omitempty"`
	Usage               any                      `json:"usage,omitempty"`
	RateLimit           *profile.RateLimitStatus `json:"rateLimit,omitempty"`
	RateLimitEvents     []profile.RateLimitEvent `json:"rateLimitEvents,omitempty"`
}

func (h *Handler) toPayload(p *profile.Profile) profilePayload {
	now := time.Now()
	out := profilePayload{
		ID:            p.ID,
		Name:          p.Name,
		IsDefault:     p.IsDefault,
		Email:         p.Email,
		HasCredential: p.Credential != "",
	}
	if !p.CredentialCreatedAt.IsZero() {
		t := p.CredentialCreatedAt
		out.CredentialCreatedAt = &t
	}
	if !p.LastUsedAt.IsZero() {
		t := p.LastUsedAt
		out.LastUsedAt = &t
	}
	if !p.Usage.IsZero() {
		out.Usage = p.Usage
	}
	if status := p.ActiveRateLimit(now); status.Limited {
		out.RateLimit = &status
	}
	out.RateLimitEvents = p.RateLimitEvents
	return out
}

// Dashboard renders the main page.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	tmpl := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Switchboard</title>
</head>
<body>
    <header>
        <h1>Switchboard</h1>
    </header>
    <main>
        <div class="dashboard">
            <h2>Profiles</h2>
            <p>Credential pool and session failover for the Claude CLI</p>
        </div>
    </main>
</body>
</html>`

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(tmpl))
}

// Profiles handles GET (list) and POST (create) on /api/profiles.
func (h *Handler) Profiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := h.profiles.List()
		out := make([]profilePayload, 0, len(list))
		for _, p := range list {
			out = append(out, h.toPayload(p))
		}
		respondJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
			respondError(w, http.StatusBadRequest, "name is required")
			return
		}
		p := h.profiles.Upsert(&profile.Profile{Name: strings.TrimSpace(req.Name)})
		respondJSON(w, http.StatusCreated, h.toPayload(p))
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ProfileByID routes /api/profiles/{id} and its /token subresource.
func (h *Handler) ProfileByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/profiles/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		respondError(w, http.StatusBadRequest, "profile id is required")
		return
	}

	if sub == "token" {
		h.profileToken(w, r, id)
		return
	}
	if sub != "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, ok := h.profiles.Get(id)
		if !ok {
			respondError(w, http.StatusNotFound, "profile not found")
			return
		}
		respondJSON(w, http.StatusOK, h.toPayload(p))
	case http.MethodPut:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !h.profiles.Rename(id, strings.TrimSpace(req.Name)) {
			respondError(w, http.StatusBadRequest, "rename rejected")
			return
		}
		p, _ := h.profiles.Get(id)
		respondJSON(w, http.StatusOK, h.toPayload(p))
	case http.MethodDelete:
		if !h.profiles.Delete(id) {
			respondError(w, http.StatusBadRequest, "profile cannot be deleted")
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// profileToken accepts a credential for a profile. The value is persisted
// encrypted and never echoed back.
func (h *Handler) profileToken(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Token string `json:"token"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}
	if !h.profiles.SetToken(id, req.Token, req.Email) {
		respondError(w, http.StatusNotFound, "profile not found")
		return
	}
	p, _ := h.profiles.Get(id)
	respondJSON(w, http.StatusOK, h.toPayload(p))
}

// Active handles GET and PUT on /api/active.
func (h *Handler) Active(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p := h.profiles.GetActive()
		if p == nil {
			respondError(w, http.StatusNotFound, "no active profile")
			return
		}
		respondJSON(w, http.StatusOK, h.toPayload(p))
	case http.MethodPut:
		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			respondError(w, http.StatusBadRequest, "id is required")
			return
		}
		if !h.profiles.SetActive(req.ID) {
			respondError(w, http.StatusNotFound, "profile not found")
			return
		}
		p, _ := h.profiles.Get(req.ID)
		respondJSON(w, http.StatusOK, h.toPayload(p))
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// Best handles GET /api/best?exclude=<id>: the highest-scoring usable
// profile, or null when everything is degraded.
func (h *Handler) Best(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	exclude := r.URL.Query().Get("exclude")
	best := h.scorer.PickBest(h.profiles.List(), exclude, h.profiles.Settings(), time.Now())
	if best == nil {
		respondJSON(w, http.StatusOK, map[string]any{"profile": nil})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"profile": h.toPayload(best)})
}

// GetSettings returns the auto-switch settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.profiles.Settings())
}

// UpdateSettings replaces the auto-switch settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings profile.AutoSwitchSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.profiles.SetSettings(settings)
	respondJSON(w, http.StatusOK, h.profiles.Settings())
}

// Sessions handles GET (list) and POST (create) on /api/sessions.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, h.supervisor.List())
	case http.MethodPost:
		var req struct {
			ID    string `json:"id"`
			Cwd   string `json:"workingDirectory"`
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cwd == "" {
			respondError(w, http.StatusBadRequest, "workingDirectory is required")
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		if err := h.supervisor.Create(req.ID, req.Cwd, req.Title); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		info, _ := h.supervisor.Get(req.ID)
		respondJSON(w, http.StatusCreated, info)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// SessionByID routes /api/sessions/{id} and its action subresources.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		respondError(w, http.StatusBadRequest, "session id is required")
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			info, ok := h.supervisor.Get(id)
			if !ok {
				respondError(w, http.StatusNotFound, "session not found")
				return
			}
			respondJSON(w, http.StatusOK, info)
		case http.MethodDelete:
			if err := h.supervisor.Destroy(id); err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			respondJSON(w, http.StatusOK, map[string]bool{"destroyed": true})
		default:
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "agent":
		h.sessionAgent(w, r, id)
	case "swap":
		h.sessionSwap(w, r, id)
	case "output":
		h.sessionOutput(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) sessionAgent(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ProfileID string `json:"profileId"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := h.supervisor.EnterAgentMode(id, req.ProfileID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, _ := h.supervisor.Get(id)
	respondJSON(w, http.StatusOK, info)
}

func (h *Handler) sessionSwap(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ProfileID string `json:"profileId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProfileID == "" {
		respondError(w, http.StatusBadRequest, "profileId is required")
		return
	}
	if err := h.supervisor.SwapProfile(id, req.ProfileID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, _ := h.supervisor.Get(id)
	respondJSON(w, http.StatusOK, info)
}

func (h *Handler) sessionOutput(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out, ok := h.supervisor.Output(id)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"output": out})
}

// Push handles GET (VAPID public key), POST (register a browser push
// subscription) and DELETE (unregister by endpoint) on /api/push.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil || h.notifier.VAPIDPublicKey() == "" {
		respondError(w, http.StatusServiceUnavailable, "push notifications not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, map[string]string{"publicKey": h.notifier.VAPIDPublicKey()})
	case http.MethodPost:
		var sub notify.PushSubscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := h.notifier.Subscribe(sub); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondJSON(w, http.StatusCreated, map[string]bool{"subscribed": true})
	case http.MethodDelete:
		var req struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
			respondError(w, http.StatusBadRequest, "endpoint is required")
			return
		}
		h.notifier.Unsubscribe(req.Endpoint)
		respondJSON(w, http.StatusOK, map[string]bool{"unsubscribed": true})
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// Version handles GET /api/version: the running version plus whether a newer
// release exists.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.updater == nil {
		respondError(w, http.StatusServiceUnavailable, "update checks not configured")
		return
	}
	info, err := h.updater.Check()
	if err != nil {
		h.logger.Warn("Version check failed", "error", err)
		// Still report the current version so the UI can render it.
		respondJSON(w, http.StatusOK, info)
		return
	}
	respondJSON(w, http.StatusOK, info)
}
