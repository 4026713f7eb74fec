package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/devrev/assetstore/internal/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// ErrorResponse is the error body of every operator endpoint
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func (s *OperatorServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := httpStatus(errors.GRPCCode(err))
	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errors.GetCode(err).String(),
		Message:   err.Error(),
		RequestID: r.Header.Get("X-Request-ID"),
	}
	var ae *errors.AssetError
	if stderrors.As(err, &ae) {
		resp.Details = ae.Details
	}

	if statusCode >= http.StatusInternalServerError {
		s.logger.Error("Operator request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}
	writeJSON(w, statusCode, resp)
}

// httpStatus converts a gRPC code to an HTTP status code
func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusInsufficientStorage
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
