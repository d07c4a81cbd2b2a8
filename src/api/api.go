// Package api is the local control surface of the host: toolbar and CLI
// triggers, tab listing, settings and the shim bridge endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"codeocr/src/browser"
	"codeocr/src/messages"
	"codeocr/src/prompt"
	"codeocr/src/session"
	"codeocr/src/settings"
)

// Coordinator is the subset of the coordinator loop the API drives.
type Coordinator interface {
	Toggle(tab session.TabID) error
	TabClosed(tab session.TabID) error
	Deliver(tab session.TabID, m messages.Message) error
	Sessions(ctx context.Context) ([]session.Snapshot, error)
	LastImage(ctx context.Context, tab session.TabID) ([]byte, bool, error)
}

// Tabs is the subset of the browser driver the API uses.
type Tabs interface {
	Tabs() []browser.TabInfo
	Active() (session.TabID, bool)
	Open(ctx context.Context, url string) (session.TabID, error)
	CloseTab(ctx context.Context, tab session.TabID) error
}

// Outboxes reports on the shim outboxes.
type Outboxes interface {
	IsHealthy() bool
	Stats() map[string]int
}

// Handler holds the API dependencies.
type Handler struct {
	loop     Coordinator
	tabs     Tabs
	catalog  *prompt.Catalog
	store    settings.Store
	bridge   http.Handler
	outboxes Outboxes
	onChange func(settings.Settings)
}

type Options struct {
	Loop     Coordinator
	Tabs     Tabs
	Catalog  *prompt.Catalog
	Settings settings.Store
	Bridge   http.Handler
	Outboxes Outboxes
	// OnSettings runs after settings are saved.
	OnSettings func(settings.Settings)
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		loop:     opts.Loop,
		tabs:     opts.Tabs,
		catalog:  opts.Catalog,
		store:    opts.Settings,
		bridge:   opts.Bridge,
		outboxes: opts.Outboxes,
		onChange: opts.OnSettings,
	}
}

// Routes builds the router.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health", h.Health).Methods("GET")
	v1.HandleFunc("/tabs", h.ListTabs).Methods("GET")
	v1.HandleFunc("/tabs", h.OpenTab).Methods("POST")
	v1.Handle("/tabs/active/toggle", corsMiddleware(http.HandlerFunc(h.ToggleActive))).Methods("POST", "OPTIONS")
	v1.Handle("/tabs/{tab:[0-9]+}/toggle", corsMiddleware(http.HandlerFunc(h.ToggleTab))).Methods("POST", "OPTIONS")
	v1.HandleFunc("/tabs/{tab:[0-9]+}/rerun", h.Rerun).Methods("POST")
	v1.HandleFunc("/tabs/{tab:[0-9]+}/last-image", h.LastImage).Methods("GET")
	v1.HandleFunc("/tabs/{tab:[0-9]+}", h.CloseTab).Methods("DELETE")
	v1.HandleFunc("/languages", h.Languages).Methods("GET")
	v1.HandleFunc("/settings", h.GetSettings).Methods("GET")
	v1.HandleFunc("/settings", h.PutSettings).Methods("PUT")

	if h.bridge != nil {
		r.Handle("/bridge/{tab:[0-9]+}/{role}", h.bridge).Methods("GET")
	}
	return r
}

// corsMiddleware lets the toolbar button toggle from any page. Only the
// toggle routes carry it; tab listings, captures and settings stay
// same-origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("API: encode response: %v", err)
	}
}

func tabParam(r *http.Request) session.TabID {
	n, _ := strconv.Atoi(mux.Vars(r)["tab"])
	return session.TabID(n)
}

// Health handles GET /v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.loop.Sessions(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if h.outboxes == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
		return
	}
	if !h.outboxes.IsHealthy() {
		http.Error(w, "router is shut down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "queued": h.outboxes.Stats()})
}

// TabView is a browser tab joined with its session state.
type TabView struct {
	browser.TabInfo
	Phase    string `json:"phase"`
	Seq      uint64 `json:"seq"`
	HasImage bool   `json:"hasImage"`
}

// ListTabs handles GET /v1/tabs
func (h *Handler) ListTabs(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.loop.Sessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	byTab := make(map[session.TabID]session.Snapshot, len(snaps))
	for _, s := range snaps {
		byTab[s.Tab] = s
	}
	var out []TabView
	if h.tabs != nil {
		for _, t := range h.tabs.Tabs() {
			v := TabView{TabInfo: t, Phase: session.Idle.String()}
			if s, ok := byTab[t.ID]; ok {
				v.Phase, v.Seq, v.HasImage = s.Phase.String(), s.Seq, s.HasImage
				delete(byTab, t.ID)
			}
			out = append(out, v)
		}
	}
	// Sessions for tabs the driver does not know, such as ones driven only
	// through the API.
	for _, s := range snaps {
		if _, ok := byTab[s.Tab]; ok {
			out = append(out, TabView{TabInfo: browser.TabInfo{ID: s.Tab}, Phase: s.Phase.String(), Seq: s.Seq, HasImage: s.HasImage})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tabs": out})
}

// OpenTabRequest is the body of POST /v1/tabs.
type OpenTabRequest struct {
	URL string `json:"url"`
}

// OpenTab handles POST /v1/tabs
func (h *Handler) OpenTab(w http.ResponseWriter, r *http.Request) {
	if h.tabs == nil {
		http.Error(w, "no browser attached", http.StatusServiceUnavailable)
		return
	}
	var req OpenTabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "Invalid request body: url is required", http.StatusBadRequest)
		return
	}
	tab, err := h.tabs.Open(r.Context(), req.URL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"tab": tab})
}

// ToggleActive handles POST /v1/tabs/active/toggle
func (h *Handler) ToggleActive(w http.ResponseWriter, r *http.Request) {
	if h.tabs == nil {
		http.Error(w, "no browser attached", http.StatusServiceUnavailable)
		return
	}
	tab, ok := h.tabs.Active()
	if !ok {
		http.Error(w, "no active tab", http.StatusNotFound)
		return
	}
	h.toggle(w, tab)
}

// ToggleTab handles POST /v1/tabs/{tab}/toggle
func (h *Handler) ToggleTab(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, tabParam(r))
}

func (h *Handler) toggle(w http.ResponseWriter, tab session.TabID) {
	if err := h.loop.Toggle(tab); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	log.Infof("API: toggle %s", tab)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"tab": tab})
}

// RerunRequest is the body of POST /v1/tabs/{tab}/rerun.
type RerunRequest struct {
	Hint string `json:"hint"`
}

// Rerun handles POST /v1/tabs/{tab}/rerun
func (h *Handler) Rerun(w http.ResponseWriter, r *http.Request) {
	var req RerunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hint == "" {
		http.Error(w, "Invalid request body: hint is required", http.StatusBadRequest)
		return
	}
	tab := tabParam(r)
	if err := h.loop.Deliver(tab, messages.RerunWithLanguage{Hint: req.Hint}); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"tab": tab, "hint": req.Hint})
}

// LastImage handles GET /v1/tabs/{tab}/last-image
func (h *Handler) LastImage(w http.ResponseWriter, r *http.Request) {
	img, ok, err := h.loop.LastImage(r.Context(), tabParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "no capture for tab", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(img)
}

// CloseTab handles DELETE /v1/tabs/{tab}
func (h *Handler) CloseTab(w http.ResponseWriter, r *http.Request) {
	tab := tabParam(r)
	if h.tabs != nil {
		if err := h.tabs.CloseTab(r.Context(), tab); err != nil && !errors.Is(err, browser.ErrNoTab) {
			log.Warnf("API: close %s in browser: %v", tab, err)
		}
	}
	if err := h.loop.TabClosed(tab); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Languages handles GET /v1/languages
func (h *Handler) Languages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"languages": h.catalog.Options(),
		"spoken":    h.catalog.Spoken,
	})
}

// GetSettings handles GET /v1/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.Load(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PutSettings handles PUT /v1/settings
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var s settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.LanguagePreset != prompt.DefaultHint && !h.catalog.Known(s.LanguagePreset) {
		http.Error(w, "unknown language preset "+strconv.Quote(s.LanguagePreset), http.StatusBadRequest)
		return
	}
	if err := h.store.Save(r.Context(), s); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Infof("API: settings saved (preset %s, %d possible languages)", s.LanguagePreset, len(s.PossibleLanguages))
	if h.onChange != nil {
		h.onChange(s)
	}
	writeJSON(w, http.StatusOK, s)
}
