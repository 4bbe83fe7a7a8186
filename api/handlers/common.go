package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/api"
	"github.com/BaSui01/modelgate/types"
)

// WriteJSON writes a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes an OpenAI-style error envelope from a gateway
// error. Unknown errors are wrapped as internal ones first.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	terr := types.AsError(err)
	status := terr.HTTPStatus
	if status == 0 {
		status = statusForCode(terr.Code)
	}

	if logger != nil {
		logger.Error("request failed",
			zap.String("code", string(terr.Code)),
			zap.String("message", terr.Message),
			zap.Int("status", status),
			zap.Bool("retryable", terr.Retryable),
			zap.Error(terr.Cause))
	}

	WriteJSON(w, status, api.ErrorEnvelope{Error: api.ErrorDetail{
		Message: terr.Message,
		Type:    errorTypeFor(terr.Code),
		Code:    string(terr.Code),
	}})
}

// WriteErrorMessage writes a one-off error without constructing a
// gateway error at the call site.
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

func statusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrAuthentication:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrModelNotFound:
		return http.StatusNotFound
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrQuotaExceeded:
		return http.StatusPaymentRequired
	case types.ErrContextTooLong:
		return http.StatusRequestEntityTooLarge
	case types.ErrContentFiltered:
		return http.StatusUnprocessableEntity
	case types.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case types.ErrModelOverloaded, types.ErrServiceUnavailable, types.ErrProviderUnavailable, types.ErrAllProvidersFailed:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamError, types.ErrStreamInterrupted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorTypeFor maps gateway error codes onto the coarse OpenAI error
// type vocabulary clients switch on.
func errorTypeFor(code types.ErrorCode) string {
	switch code {
	case types.ErrInvalidRequest, types.ErrContextTooLong, types.ErrContentFiltered:
		return "invalid_request_error"
	case types.ErrAuthentication:
		return "authentication_error"
	case types.ErrForbidden:
		return "permission_error"
	case types.ErrModelNotFound:
		return "not_found_error"
	case types.ErrRateLimited:
		return "rate_limit_error"
	case types.ErrQuotaExceeded:
		return "insufficient_quota"
	case types.ErrModelOverloaded:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// DecodeJSONBody decodes a JSON request body in strict mode, writing
// the error response itself on failure.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty").
			WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, err, logger)
		return err
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body: "+err.Error()).
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// RequireMethod rejects requests with the wrong verb.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string, logger *zap.Logger) bool {
	if r.Method != method {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest,
			"method not allowed", logger)
		return false
	}
	return true
}
