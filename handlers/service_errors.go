package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/services/providers"
	"github.com/upb/llm-relay/utils"
	"go.uber.org/zap"
)

// upstream client errors that are reported back with the upstream's own status
var passthroughStatuses = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusNotFound:              true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnprocessableEntity:   true,
}

// StatusForError returns the HTTP status a relay error is reported with
func StatusForError(err error) int {
	switch services.GetErrorType(err) {
	case services.ErrorTypeValidation:
		return http.StatusBadRequest
	case services.ErrorTypeNotFound:
		return http.StatusNotFound
	case services.ErrorTypeNoChannel, services.ErrorTypeCircuitOpen, services.ErrorTypeQueueTimeout:
		return http.StatusServiceUnavailable
	case services.ErrorTypeCancelled:
		return utils.StatusClientClosedRequest
	case services.ErrorTypeUpstreamPermanent:
		var perr *providers.ProviderError
		if errors.As(err, &perr) && passthroughStatuses[perr.StatusCode] {
			return perr.StatusCode
		}
		return http.StatusBadGateway
	case services.ErrorTypeUpstreamTransient, services.ErrorTypeTransform, services.ErrorTypeRetriesExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

const internalErrorMessage = "An internal error occurred"

// ClientMessage returns the message a relay error is reported with.
// Internal errors get a generic message; their cause is only logged.
func ClientMessage(err error) string {
	if StatusForError(err) == http.StatusInternalServerError {
		return internalErrorMessage
	}
	return err.Error()
}

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status := StatusForError(err)
	details := services.GetErrorDetails(err)

	var writeErr error
	switch {
	case status == http.StatusInternalServerError:
		// Log internal errors but return generic message
		logger.Error("internal server error",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, ClientMessage(err))

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, err.Error(), details)

	default:
		writeErr = utils.WriteError(w, status, err.Error(), details)
	}
	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}

	logger.Debug("handled service error",
		zap.String("type", string(services.GetErrorType(err))),
		zap.Int("status", status),
		zap.Any("details", details))
}
