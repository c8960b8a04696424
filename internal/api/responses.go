// Package api provides HTTP handlers and routing for the CMR tiler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/robert-malhotra/cmr-tiler/internal/assets"
	"github.com/robert-malhotra/cmr-tiler/internal/backend"
	"github.com/robert-malhotra/cmr-tiler/internal/mosaic"
	"github.com/robert-malhotra/cmr-tiler/internal/reader"
	"github.com/robert-malhotra/cmr-tiler/internal/render"
	"github.com/robert-malhotra/cmr-tiler/internal/timeseries"
	"github.com/robert-malhotra/cmr-tiler/internal/tms"
)

// APIError is the error response body.
type APIError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Error codes.
const (
	ErrCodeNotFound         = "NotFound"
	ErrCodeInvalidParameter = "InvalidParameterValue"
	ErrCodeServerError      = "ServerError"
	ErrCodeUpstreamError    = "UpstreamServiceError"
	ErrCodeNoAssets         = "NoAssetFoundError"
	ErrCodeNoData           = "NoDataError"
	ErrCodeNotImplemented   = "NotImplemented"
	ErrCodeTileOutside      = "TileOutsideBounds"
	ErrCodeTimeout          = "Timeout"
)

// QueryError reports an invalid request parameter.
type QueryError struct {
	Param string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Param, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func queryErrorf(param, format string, args ...any) *QueryError {
	return &QueryError{Param: param, Err: fmt.Errorf(format, args...)}
}

// WriteJSON writes a JSON response with the given status code and value.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	return writeEncoded(w, status, "application/json", v)
}

// WriteGeoJSON writes a response with the application/geo+json media type.
func WriteGeoJSON(w http.ResponseWriter, status int, v any) error {
	return writeEncoded(w, status, "application/geo+json", v)
}

func writeEncoded(w http.ResponseWriter, status int, mediaType string, v any) error {
	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response",
			slog.String("content_type", mediaType),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// WriteImage writes encoded image bytes.
func WriteImage(w http.ResponseWriter, mediaType string, data []byte) {
	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// WriteError writes an error response. Errors are never cached.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(APIError{Code: code, Description: message}); err != nil {
		slog.Error("failed to encode error response",
			slog.String("error", err.Error()),
		)
	}
}

// WriteNotFound writes a 404 Not Found error response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// WriteInvalidParameter writes a 400 Bad Request error for invalid parameters.
func WriteInvalidParameter(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, message)
}

// WriteInternalError writes a 500 Internal Server Error response.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeServerError, message)
}

// WriteInternalErrorWithRequestID writes a 500 error that carries the request id.
func WriteInternalErrorWithRequestID(w http.ResponseWriter, message, requestID string) {
	if requestID != "" {
		message = fmt.Sprintf("%s (request id %s)", message, requestID)
	}
	WriteInternalError(w, message)
}

// WriteUpstreamError writes a 502 Bad Gateway error for upstream service failures.
func WriteUpstreamError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, ErrCodeUpstreamError, message)
}

// invalidParameter reports whether err is caused by the request itself.
func invalidParameter(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) ||
		errors.Is(err, assets.ErrInvalidBandsRegex) ||
		errors.Is(err, backend.ErrInvalidGeometry) ||
		errors.Is(err, tms.ErrUnsupportedCRS) ||
		errors.Is(err, render.ErrUnsupportedFormat) ||
		errors.Is(err, render.ErrUnknownColormap) ||
		errors.Is(err, timeseries.ErrInvalidDuration) ||
		errors.Is(err, timeseries.ErrInvalidRequest) ||
		errors.Is(err, timeseries.ErrTooManyWindows)
}

// writeBackendError maps errors from the read path to HTTP responses.
func writeBackendError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		noAssets  *backend.NoAssetsError
		discovery *assets.DiscoveryError
		subReq    *timeseries.SubRequestError
	)

	switch {
	case errors.As(err, &subReq):
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(subReq.Status)
		w.Write(subReq.Body)
	case invalidParameter(err):
		WriteInvalidParameter(w, err.Error())
	case errors.Is(err, backend.ErrInvalidTile):
		WriteError(w, http.StatusNotFound, ErrCodeTileOutside, err.Error())
	case errors.As(err, &noAssets):
		WriteError(w, http.StatusNotFound, ErrCodeNoAssets, noAssets.Error())
	case errors.Is(err, mosaic.ErrNoData):
		WriteError(w, http.StatusInternalServerError, ErrCodeNoData, "no data produced")
	case errors.As(err, &discovery):
		logger.Error("asset discovery failed", slog.String("error", err.Error()))
		WriteUpstreamError(w, err.Error())
	case errors.Is(err, reader.ErrNotSupported):
		WriteError(w, http.StatusNotImplemented, ErrCodeNotImplemented, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "request timed out")
	default:
		logger.Error("request failed", slog.String("error", err.Error()))
		WriteInternalError(w, "internal server error")
	}
}
