// Package api exposes the device registry and dispatch operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postal-io/postal/internal/device"
	"github.com/postal-io/postal/internal/message"
	"github.com/postal-io/postal/internal/metrics"
	"github.com/postal-io/postal/internal/router"
	"github.com/postal-io/postal/internal/service"
)

const defaultListLimit = 100

// API routes HTTP requests to the service. It implements http.Handler.
type API struct {
	svc     *service.Service
	metrics *metrics.Metrics
	prom    http.Handler
	log     *slog.Logger
	router  *router.Router
}

// New builds the route table. Route registration errors are configuration
// bugs and fail construction.
func New(svc *service.Service, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) (*API, error) {
	a := &API{
		svc:     svc,
		metrics: m,
		prom:    promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		log:     logger.With("component", "API"),
		router:  router.New(),
	}

	routes := []struct {
		pattern string
		handler router.Handler
	}{
		{"/status", a.handleStatus},
		{"/metrics", a.handleMetrics},
		{"/v1/notify", a.handleNotify},
		{"/v1/users/:user/devices", a.handleDevices},
		{"/v1/users/:user/devices/:device", a.handleDevice},
	}
	for _, route := range routes {
		if err := a.router.AddHandler(route.pattern, route.handler); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !a.router.Route(w, r) {
		a.writeError(w, http.StatusNotFound, domainGeneral, "no such resource")
	}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request, _ router.Params) {
	if r.Method != http.MethodGet {
		a.methodNotAllowed(w, r)
		return
	}
	a.writeJSON(w, http.StatusOK, a.metrics.Snapshot())
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request, _ router.Params) {
	if r.Method != http.MethodGet {
		a.methodNotAllowed(w, r)
		return
	}
	a.prom.ServeHTTP(w, r)
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request, params router.Params) {
	user := params["user"]
	switch r.Method {
	case http.MethodGet:
		a.listDevices(w, r, user)
	case http.MethodPost:
		a.createDevice(w, r, user)
	default:
		a.methodNotAllowed(w, r)
	}
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request, user string) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, domainJSON, "offset must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, domainJSON, "limit must be a non-negative integer")
		return
	}

	devices, err := a.svc.FindDevices(r.Context(), user, offset, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, devices)
}

func (a *API) createDevice(w http.ResponseWriter, r *http.Request, user string) {
	d, err := a.readDevice(w, r)
	if err != nil {
		return
	}

	stored, updatedExisting, err := a.svc.AddDevice(r.Context(), user, d)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	w.Header().Set("Location", deviceLocation(user, stored.DeviceToken))
	status := http.StatusCreated
	if updatedExisting {
		status = http.StatusOK
	}
	a.writeJSON(w, status, stored)
}

func (a *API) handleDevice(w http.ResponseWriter, r *http.Request, params router.Params) {
	user, token := params["user"], params["device"]
	switch r.Method {
	case http.MethodGet:
		d, err := a.svc.FindDeviceByToken(r.Context(), user, token)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, d)

	case http.MethodPut:
		a.putDevice(w, r, user, token)

	case http.MethodDelete:
		if err := a.svc.RemoveDevice(r.Context(), user, token); err != nil {
			a.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		a.methodNotAllowed(w, r)
	}
}

// putDevice updates the device addressed by the path, creating it when it
// does not exist yet: 200 on update, 201 on create.
func (a *API) putDevice(w http.ResponseWriter, r *http.Request, user, token string) {
	d, err := a.readDevice(w, r)
	if err != nil {
		return
	}

	updated, err := a.svc.UpdateDevice(r.Context(), user, token, d)
	if err == nil {
		w.Header().Set("Location", deviceLocation(user, updated.DeviceToken))
		a.writeJSON(w, http.StatusOK, updated)
		return
	}
	if !errors.Is(err, device.ErrNotFound) {
		a.writeServiceError(w, err)
		return
	}

	d.DeviceToken = token
	stored, _, err := a.svc.AddDevice(r.Context(), user, d)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", deviceLocation(user, stored.DeviceToken))
	a.writeJSON(w, http.StatusCreated, stored)
}

// notifyBody pins the request shape: every field except collapse_key is
// required, though the payload objects and target arrays may be empty.
type notifyBody struct {
	APS         *map[string]any `json:"aps"`
	C2DM        *map[string]any `json:"c2dm"`
	GCM         *map[string]any `json:"gcm"`
	Users       *[]string       `json:"users"`
	Devices     *[]string       `json:"devices"`
	CollapseKey string          `json:"collapse_key"`
}

func (a *API) handleNotify(w http.ResponseWriter, r *http.Request, _ router.Params) {
	if r.Method != http.MethodPost {
		a.methodNotAllowed(w, r)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, domainJSON, "unreadable request body")
		return
	}
	var body notifyBody
	if err := json.Unmarshal(raw, &body); err != nil {
		a.writeError(w, http.StatusBadRequest, domainJSON, "invalid notification json")
		return
	}
	if body.APS == nil || body.C2DM == nil || body.GCM == nil || body.Users == nil || body.Devices == nil {
		a.writeError(w, http.StatusBadRequest, domainJSON,
			"notification requires aps, c2dm, gcm, users and devices")
		return
	}

	// An empty payload object means the notification does not target that
	// protocol.
	n := &message.Notification{CollapseKey: body.CollapseKey}
	if len(*body.APS) > 0 {
		n.APS = *body.APS
	}
	if len(*body.C2DM) > 0 {
		n.C2DM = *body.C2DM
	}
	if len(*body.GCM) > 0 {
		n.GCM = *body.GCM
	}

	enqueued, err := a.svc.Notify(r.Context(), n, *body.Users, *body.Devices)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	a.log.Info("Notification dispatched.", "enqueued", enqueued)
	a.writeJSON(w, http.StatusOK, struct{}{})
}

// readDevice parses a device body, writing the error response itself on
// failure.
func (a *API) readDevice(w http.ResponseWriter, r *http.Request) (*device.Device, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, domainJSON, "unreadable request body")
		return nil, err
	}
	d, err := device.FromJSON(raw)
	if err != nil {
		a.writeServiceError(w, err)
		return nil, err
	}
	return d, nil
}

func (a *API) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	a.writeError(w, http.StatusMethodNotAllowed, domainGeneral,
		fmt.Sprintf("method %s not allowed", r.Method))
}

func deviceLocation(user, token string) string {
	return fmt.Sprintf("/v1/users/%s/devices/%s", user, token)
}

func queryInt(r *http.Request, key string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("api: invalid %s %q", key, raw)
	}
	return v, nil
}
