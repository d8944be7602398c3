package api

import (
	"encoding/json"
	"net/http"

	xerrors "AppRuntime/internal/errors"
)

type errorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:      http.StatusBadRequest,
	xerrors.CodeInvalidPattern:       http.StatusBadRequest,
	xerrors.CodeNotFound:             http.StatusNotFound,
	xerrors.CodeDuplicateName:        http.StatusConflict,
	xerrors.CodeInvalidTransition:    http.StatusConflict,
	xerrors.CodeCapabilityDenied:     http.StatusForbidden,
	xerrors.CodeInitializationFailed: http.StatusUnprocessableEntity,
	xerrors.CodeActivationFailed:     http.StatusUnprocessableEntity,
	xerrors.CodePublishDepthExceeded: http.StatusUnprocessableEntity,
	xerrors.CodeQueueFull:            http.StatusTooManyRequests,
	xerrors.CodeQueueClosed:          http.StatusServiceUnavailable,
	xerrors.CodeUnavailable:          http.StatusServiceUnavailable,
	xerrors.CodeTimeout:              http.StatusGatewayTimeout,
}

// statusOf maps an error code to an HTTP status; unmapped codes are 500.
func statusOf(code xerrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{Code: string(xerrors.CodeUnknown), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		detail.Code = string(coded.Code())
		detail.Message = coded.Message()
		detail.Metadata = coded.Metadata()
	}
	if detail.Code == string(xerrors.CodeUnknown) {
		detail.Message = "internal error"
	}
	writeJSON(w, statusOf(xerrors.Code(detail.Code)), errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
