package api

// ErrorResponse is the error envelope returned to callers. It deliberately
// carries no stack traces and no internal credential identifiers.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a single failure in OpenAI-compatible form.
type ErrorDetail struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	StatusCode int    `json:"status_code"`
}

// NewError builds an ErrorResponse.
func NewError(status int, errType, code, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{
		Message:    message,
		Type:       errType,
		Code:       code,
		StatusCode: status,
	}}
}
