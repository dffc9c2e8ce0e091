package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/plomorg/plomd/internal/apierr"
	"github.com/plomorg/plomd/internal/catalog"
)

// statusFor maps an apierr.Kind to the HTTP status table in spec
// section 7 / SPEC_FULL.md section 4.
func statusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.Unauthorised:
		return http.StatusUnauthorized
	case apierr.ApiMismatch:
		return http.StatusBadRequest
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.Conflict:
		return http.StatusConflict
	case apierr.IntegrityMismatch:
		return http.StatusNotAcceptable
	case apierr.TaskChanged:
		return http.StatusConflict
	case apierr.TaskDeleted:
		return http.StatusGone
	case apierr.OutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case apierr.BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeAPIError translates err into its wire status and JSON body. A
// plain (non-apierr) error is logged with full detail but never leaks
// its text to the client — it surfaces as an opaque ServerError per
// spec section 7.
func writeAPIError(w http.ResponseWriter, err error) {
	if errors.Is(err, catalog.ErrNoneAvailable) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		log.WithError(err).Error("non-apierr error reached the dispatcher boundary")
		apiErr = apierr.Wrap(apierr.ServerError, "internal error", err)
	}

	status := statusFor(apiErr.Kind)
	if apiErr.Cause != nil {
		log.WithError(apiErr.Cause).WithField("kind", apiErr.Kind).Warn(apiErr.Message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Kind: string(apiErr.Kind), Message: apiErr.Message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.Wrap(apierr.BadRequest, "decoding request body", err)
	}
	return nil
}
