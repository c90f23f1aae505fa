package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/postal-io/postal/internal/device"
	"github.com/postal-io/postal/internal/message"
)

const (
	domainGeneral = "PostalError"
	domainJSON    = "PostalJsonError"
)

type errorBody struct {
	Message string `json:"message"`
	Domain  string `json:"domain"`
	Code    int    `json:"code"`
}

// writeServiceError maps service sentinels onto HTTP statuses: lookup
// failures are 404, malformed input is 400, anything else is 500.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrMissingUser),
		errors.Is(err, device.ErrMissingID),
		errors.Is(err, device.ErrInvalidID),
		errors.Is(err, device.ErrNotFound):
		a.writeError(w, http.StatusNotFound, domainGeneral, err.Error())

	case errors.Is(err, device.ErrInvalidJSON):
		a.writeError(w, http.StatusBadRequest, domainJSON, err.Error())

	case errors.Is(err, device.ErrUnsupportedType),
		errors.Is(err, message.ErrInvalidPayload):
		a.writeError(w, http.StatusBadRequest, domainGeneral, err.Error())

	default:
		a.log.Error("Request failed.", "err", err)
		a.writeError(w, http.StatusInternalServerError, domainGeneral, "internal error")
	}
}

func (a *API) writeError(w http.ResponseWriter, code int, domain, msg string) {
	a.writeJSON(w, code, errorBody{Message: msg, Domain: domain, Code: code})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Error("Failed to write response body.", "err", err)
	}
}
