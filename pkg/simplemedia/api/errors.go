package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string                   `json:"error"`
	Kind   simplemedia.ErrorKind    `json:"kind"`
	Fields []simplemedia.FieldError `json:"fields,omitempty"`
}

// statusFor maps an error kind onto an HTTP status code.
func statusFor(err error) (int, simplemedia.ErrorKind) {
	kind := simplemedia.KindOf(err)
	switch kind {
	case simplemedia.KindValidation:
		return http.StatusBadRequest, kind
	case simplemedia.KindNotFound:
		return http.StatusNotFound, kind
	case simplemedia.KindConflict, simplemedia.KindDuplicateJob:
		return http.StatusConflict, kind
	case simplemedia.KindQueueTimeout:
		return http.StatusServiceUnavailable, kind
	case simplemedia.KindProcessing:
		return http.StatusUnprocessableEntity, kind
	case simplemedia.KindStorage:
		return http.StatusBadGateway, kind
	case simplemedia.KindDownload:
		if errors.Is(err, simplemedia.ErrDownloadTooLarge) {
			return http.StatusRequestEntityTooLarge, kind
		}
		if errors.Is(err, simplemedia.ErrDownloadTimeout) {
			return http.StatusGatewayTimeout, kind
		}
		return http.StatusBadGateway, kind
	}
	if errors.Is(err, simplemedia.ErrNotConfigured) {
		return http.StatusNotImplemented, kind
	}
	return http.StatusInternalServerError, kind
}

// writeError renders err as an ErrorResponse. Internal errors are logged and
// their message is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, kind := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}

	var verr *simplemedia.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()))
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

func badRequest(w http.ResponseWriter, r *http.Request, field, message string) {
	verr := &simplemedia.ValidationError{}
	verr.Add(field, message)
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: verr.Error(), Kind: simplemedia.KindValidation, Fields: verr.Fields})
}
