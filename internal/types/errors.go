package types

// API error codes
const (
	CodeBadRequest   = "BRIDGE_400"
	CodeUnauthorized = "AUTH_401"
	CodeNotFound     = "BRIDGE_404"
	CodeConflict     = "BRIDGE_409"
	CodeUnavailable  = "BRIDGE_503"
	CodeInternal     = "BRIDGE_500"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds the error payload every API handler returns.
// Pass an error's text, a map or nil as details.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
