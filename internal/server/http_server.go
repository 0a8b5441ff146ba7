package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fleettrack-svr/internal/fleet"
)

// API is the HTTP query surface over the ingestion core. It decodes, calls
// the service and encodes; every decision lives in the core.
type API struct {
	svc          *fleet.Service
	hub          *WSHub
	trailHorizon time.Duration
	logger       *slog.Logger
}

func NewAPI(svc *fleet.Service, hub *WSHub, trailHorizon time.Duration, logger *slog.Logger) *API {
	return &API{svc: svc, hub: hub, trailHorizon: trailHorizon, logger: logger.With("component", "http")}
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/api/positions", a.ingestPosition)
	r.Get("/api/vehicles/near", a.vehiclesNear)
	r.Get("/api/vehicles/{code}/latest", a.vehicleLatest)
	r.Get("/api/vehicles/{code}/current", a.vehicleCurrent)
	r.Get("/api/vehicles/{code}/trail", a.vehicleTrail)
	r.Get("/api/ws", a.hub.Handle)

	return r
}

func StartHTTP(addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

func (a *API) ingestPosition(w http.ResponseWriter, r *http.Request) {
	var rep fleet.PositionReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := a.svc.Ingest(r.Context(), &rep)
	if err != nil {
		if errors.Is(err, fleet.ErrRetriesExhausted) {
			httpError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"outcome": out.String(),
		"id":      rep.ID,
	})
}

func (a *API) vehicleLatest(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rep, err := a.svc.GetLatest(r.Context(), code)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rep == nil {
		httpError(w, http.StatusNotFound, "no position for vehicle "+code)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) vehicleCurrent(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	asOf := time.Now()
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "as_of must be RFC 3339")
			return
		}
		asOf = t
	}

	rep, err := a.svc.GetCurrentEstimate(r.Context(), code, asOf)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rep == nil {
		httpError(w, http.StatusNotFound, "no position for vehicle "+code)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) vehicleTrail(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	// Default window: the configured query horizon ending now.
	to := time.Now()
	from := to.Add(-a.trailHorizon)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		to = t
	}

	trail, err := a.svc.GetTrail(r.Context(), code, from, to)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (a *API) vehiclesNear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	radius, errRad := strconv.ParseFloat(q.Get("radius_m"), 64)
	if errLat != nil || errLon != nil || errRad != nil || radius <= 0 {
		httpError(w, http.StatusBadRequest, "lat, lon and radius_m are required")
		return
	}

	near, err := a.svc.Near(r.Context(), lat, lon, radius)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, near)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
