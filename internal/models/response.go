package models

// APIStatus is the status field of an API response envelope.
type APIStatus string

const (
	StatusOK    APIStatus = "ok"
	StatusError APIStatus = "error"
)

// APIResponse is the envelope returned by every HTTP endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success builds an ok response carrying a result payload.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(StatusOK), Result: result}
}

// SuccessWithMessage builds an ok response with an informational message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(StatusOK), Message: message, Result: result}
}

// Error builds an error response with a user-safe message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(StatusError), Message: message}
}
