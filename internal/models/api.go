package models

// APIStatus is the status field of every HTTP response envelope.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
	// APIStatusIgnored marks an inbound reply that was accepted but correlated to nothing.
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse is the envelope returned by the HTTP API.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

func envelope(status APIStatus, message string, result interface{}) APIResponse {
	return APIResponse{Status: string(status), Message: message, Result: result}
}

// Success wraps a result in an ok envelope.
func Success(result interface{}) APIResponse {
	return envelope(APIStatusOK, "", result)
}

// SuccessWithMessage is Success with a human-readable note, e.g. "Reminder sent".
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return envelope(APIStatusOK, message, result)
}

func Error(message string) APIResponse {
	return envelope(APIStatusError, message, nil)
}

// Ignored reports a reply that changed no profile or task state.
func Ignored(message string) APIResponse {
	return envelope(APIStatusIgnored, message, nil)
}
