// Package controlapi exposes registration management over HTTP:
//
//	GET    /control/registrations
//	POST   /control/registration         409 if the name is already registered
//	PATCH  /control/registration         404 if the directory does not hold the name
//	DELETE /control/registration/{name}  404 if the directory does not hold the name
//	GET    /control/metrics              correlation figures
//
// Writes go through the coordinator, so they land in the directory and come
// back as ordinary directory changes.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/toolbridge/internal/runtime/coordinator"
	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/httpapi"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/metrics"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

// Coordinator is the part of *coordinator.Coordinator the API drives.
type Coordinator interface {
	IsRegistered(name string) bool
	IsKnown(name string) bool
	AllHandlers() []coordinator.Handler
	Register(ctx context.Context, reg registration.Registration) error
	Unregister(ctx context.Context, name string) error
}

// API serves the control endpoints.
type API struct {
	coord          Coordinator
	metrics        *metrics.Metrics
	logger         logging.ServiceLogger
	allowedOrigins []string
}

// New builds the control API. m may be nil.
func New(coord Coordinator, m *metrics.Metrics, logger logging.ServiceLogger, allowedOrigins []string) *API {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &API{
		coord:          coord,
		metrics:        m,
		logger:         logger.With(logging.LogFields{"component": "control_api"}),
		allowedOrigins: allowedOrigins,
	}
}

// Routes mounts the control endpoints on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/control", func(r chi.Router) {
		r.Use(middleware.Recoverer)
		if len(a.allowedOrigins) > 0 {
			r.Use(httpapi.CORS(a.allowedOrigins, "GET, POST, PATCH, DELETE, OPTIONS"))
		}
		r.Get("/registrations", a.list)
		r.Post("/registration", a.create)
		r.Patch("/registration", a.update)
		r.Delete("/registration/{name}", a.remove)
		r.Get("/metrics", a.snapshot)
	})
}

// Router returns a standalone router serving Routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	a.Routes(r)
	return r
}

func (a *API) list(w http.ResponseWriter, _ *http.Request) {
	handlers := a.coord.AllHandlers()
	out := make([]json.RawMessage, 0, len(handlers))
	for _, h := range handlers {
		raw, err := registration.Encode(h.Registration())
		if err != nil {
			a.logger.Error("failed to encode registration", err, nil)
			httpapi.WriteError(w, a.logger, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, raw)
	}
	httpapi.WriteJSON(w, a.logger, http.StatusOK, out)
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	reg, ok := a.decode(w, r)
	if !ok {
		return
	}
	name := registration.Name(reg)
	if a.coord.IsRegistered(name) {
		httpapi.WriteError(w, a.logger, http.StatusConflict, "Registration with name "+name+" already exists")
		return
	}
	a.register(w, r, reg, http.StatusCreated)
}

func (a *API) update(w http.ResponseWriter, r *http.Request) {
	reg, ok := a.decode(w, r)
	if !ok {
		return
	}
	name := registration.Name(reg)
	if !a.coord.IsKnown(name) {
		httpapi.WriteError(w, a.logger, http.StatusNotFound, "Registration with name "+name+" not found")
		return
	}
	a.register(w, r, reg, http.StatusOK)
}

func (a *API) remove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.coord.IsKnown(name) {
		httpapi.WriteError(w, a.logger, http.StatusNotFound, "Registration with name "+name+" not found")
		return
	}
	if err := a.coord.Unregister(r.Context(), name); err != nil {
		a.logger.Error("unregister failed", err, logging.LogFields{"registration": name})
		httpapi.WriteError(w, a.logger, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) snapshot(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, a.logger, http.StatusOK, a.metrics.Snapshot())
}

func (a *API) decode(w http.ResponseWriter, r *http.Request) (registration.Registration, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpapi.WriteError(w, a.logger, http.StatusBadRequest, err.Error())
		return nil, false
	}
	reg, err := registration.Decode(body)
	if err != nil {
		httpapi.WriteError(w, a.logger, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return reg, true
}

func (a *API) register(w http.ResponseWriter, r *http.Request, reg registration.Registration, status int) {
	if err := a.coord.Register(r.Context(), reg); err != nil {
		a.logger.Error("register failed", err, logging.LogFields{"registration": registration.Name(reg)})
		httpapi.WriteError(w, a.logger, statusFor(err), err.Error())
		return
	}
	raw, err := registration.Encode(reg)
	if err != nil {
		httpapi.WriteError(w, a.logger, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, a.logger, status, json.RawMessage(raw))
}

// statusFor maps coordinator failures. A handler that failed to initialize
// is stored in the directory but not served.
func statusFor(err error) int {
	var initErr *errspkg.HandlerInitError
	switch {
	case errors.As(err, &initErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
