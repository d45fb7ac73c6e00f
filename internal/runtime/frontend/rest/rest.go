// Package rest serves registered capabilities over plain HTTP.
//
// Tools are called with POST /api/{name} (or POST /agents/{name}) and a JSON
// object body. Resources are read with GET /rcs/<url>, where templated url
// segments such as {id} match any single segment. GET /agents lists every
// capability with links describing how to call it.
package rest

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/toolbridge/internal/runtime/coordinator"
	"github.com/drblury/toolbridge/internal/runtime/dispatch"
	"github.com/drblury/toolbridge/internal/runtime/httpapi"
	"github.com/drblury/toolbridge/internal/runtime/jsoncodec"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/protocol"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

const (
	toolPrefix     = "/api/"
	agentPrefix    = "/agents/"
	resourcePrefix = "/rcs/"
)

// Link tells a client how to reach a capability.
type Link struct {
	Href   string `json:"href"`
	Method string `json:"method"`
}

// Links pairs the capability link with the listing it came from.
type Links struct {
	Self   Link `json:"self"`
	Agents Link `json:"agents"`
}

// Card describes one capability in the agent listing.
type Card struct {
	Registration json.RawMessage `json:"registration"`
	Links        []Links         `json:"_links"`
}

type entry struct {
	reg     registration.Registration
	channel *dispatch.Channel
}

// Frontend is the REST front end. It is safe for concurrent use.
type Frontend struct {
	logger logging.ServiceLogger

	mu        sync.RWMutex
	tools     map[string]entry
	resources map[string]entry // keyed by url pattern
}

// New creates an empty REST front end.
func New(logger logging.ServiceLogger) *Frontend {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Frontend{
		logger:    logger.With(logging.LogFields{"frontend": "rest"}),
		tools:     make(map[string]entry),
		resources: make(map[string]entry),
	}
}

func (f *Frontend) Name() string { return "rest" }

func (f *Frontend) ToolHandler(tool registration.Tool, ch *dispatch.Channel) coordinator.SubHandler {
	return &subHandler{
		add: func() {
			f.mu.Lock()
			f.tools[tool.Name] = entry{reg: tool, channel: ch}
			f.mu.Unlock()
		},
		remove: func() {
			f.mu.Lock()
			delete(f.tools, tool.Name)
			f.mu.Unlock()
		},
	}
}

func (f *Frontend) ResourceHandler(res registration.Resource, ch *dispatch.Channel) coordinator.SubHandler {
	return &subHandler{
		add: func() {
			f.mu.Lock()
			f.resources[res.URL] = entry{reg: res, channel: ch}
			f.mu.Unlock()
		},
		remove: func() {
			f.mu.Lock()
			if e, ok := f.resources[res.URL]; ok && registration.Name(e.reg) == res.Name {
				delete(f.resources, res.URL)
			}
			f.mu.Unlock()
		},
	}
}

type subHandler struct {
	add    func()
	remove func()
}

func (s *subHandler) Initialize() error {
	s.add()
	return nil
}

func (s *subHandler) Teardown() error {
	s.remove()
	return nil
}

// Routes mounts the tool, resource and agent listing endpoints on r.
func (f *Frontend) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Post(toolPrefix+"{name}", f.callTool)
		r.Post(agentPrefix+"{name}", f.callTool)
		r.Get("/agents", f.listAgents)
		r.Get(resourcePrefix+"*", f.readResource)
	})
}

// Router returns a standalone router serving Routes.
func (f *Frontend) Router() http.Handler {
	r := chi.NewRouter()
	f.Routes(r)
	return r
}

func (f *Frontend) tool(name string) (entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.tools[name]
	return e, ok
}

func (f *Frontend) callTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	e, ok := f.tool(name)
	if !ok {
		f.logger.Warn("call for unregistered tool", logging.LogFields{"registration": name})
		httpapi.WriteError(w, f.logger, http.StatusBadRequest, "Tool '"+name+"' is not registered")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpapi.WriteError(w, f.logger, http.StatusBadRequest, err.Error())
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 && !jsoncodec.Valid(body) {
		httpapi.WriteError(w, f.logger, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	f.logger.Info("received tool request", logging.LogFields{"registration": name})
	result, err := e.channel.Call(r.Context(), body)
	if err != nil {
		f.logger.Error("tool request failed", err, logging.LogFields{"registration": name})
		httpapi.WriteError(w, f.logger, httpapi.StatusFor(err),
			"Error processing request for tool '"+name+"': "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(result)
}

func (f *Frontend) readResource(w http.ResponseWriter, r *http.Request) {
	path := registration.NormalizeURL(chi.URLParam(r, "*"))
	e, ok := f.matchResource(path)
	if !ok {
		httpapi.WriteError(w, f.logger, http.StatusNotFound, "No handler found for '"+r.URL.Path+"'")
		return
	}

	payload, err := jsoncodec.Marshal(map[string]string{"uri": path})
	if err != nil {
		httpapi.WriteError(w, f.logger, http.StatusInternalServerError, err.Error())
		return
	}
	result, err := e.channel.Call(r.Context(), payload)
	if err != nil {
		f.logger.Error("resource request failed", err, logging.LogFields{
			"registration": registration.Name(e.reg),
			"uri":          path,
		})
		httpapi.WriteError(w, f.logger, httpapi.StatusFor(err), "Error processing resource request: "+err.Error())
		return
	}
	content, err := protocol.DecodeResourceContent(result)
	if err != nil {
		httpapi.WriteError(w, f.logger, http.StatusBadGateway, err.Error())
		return
	}

	mimeType := content.MimeType
	if mimeType == "" {
		mimeType = e.reg.(registration.Resource).MimeType
	}
	body := []byte(content.Text)
	if content.Type == protocol.ResourceBlob {
		if body, err = base64.StdEncoding.DecodeString(content.Blob); err != nil {
			httpapi.WriteError(w, f.logger, http.StatusBadGateway, "resource blob is not base64: "+err.Error())
			return
		}
	}
	if mimeType != "" {
		w.Header().Set("Content-Type", mimeType)
	}
	_, _ = w.Write(body)
}

// matchResource prefers an exact url, then the first matching template in
// pattern order.
func (f *Frontend) matchResource(path string) (entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if e, ok := f.resources[path]; ok {
		return e, true
	}
	patterns := make([]string, 0, len(f.resources))
	for p := range f.resources {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		if matchPattern(p, path) {
			return f.resources[p], true
		}
	}
	return entry{}, false
}

// matchPattern compares path segments; a {var} segment matches anything.
func matchPattern(pattern, path string) bool {
	want := splitPath(pattern)
	got := splitPath(path)
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if strings.HasPrefix(want[i], "{") && strings.HasSuffix(want[i], "}") {
			continue
		}
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

// Cards lists every served capability, tools first, each sorted by name.
func (f *Frontend) Cards() ([]Card, error) {
	f.mu.RLock()
	entries := make([]entry, 0, len(f.tools)+len(f.resources))
	for _, e := range f.tools {
		entries = append(entries, e)
	}
	for _, e := range f.resources {
		entries = append(entries, e)
	}
	f.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		ki, kj := entries[i].reg.Kind(), entries[j].reg.Kind()
		if ki != kj {
			return ki == registration.KindTool
		}
		return registration.Name(entries[i].reg) < registration.Name(entries[j].reg)
	})

	cards := make([]Card, 0, len(entries))
	for _, e := range entries {
		raw, err := registration.Encode(e.reg)
		if err != nil {
			return nil, err
		}
		self := Link{Href: agentPrefix + registration.Name(e.reg), Method: http.MethodPost}
		if res, ok := e.reg.(registration.Resource); ok {
			self = Link{Href: resourcePrefix + res.URL, Method: http.MethodGet}
		}
		cards = append(cards, Card{
			Registration: raw,
			Links:        []Links{{Self: self, Agents: Link{Href: agentPrefix, Method: http.MethodGet}}},
		})
	}
	return cards, nil
}

func (f *Frontend) listAgents(w http.ResponseWriter, _ *http.Request) {
	cards, err := f.Cards()
	if err != nil {
		f.logger.Error("failed to build agent cards", err, nil)
		httpapi.WriteError(w, f.logger, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, f.logger, http.StatusOK, cards)
}
