package dto

import "brivet/internal/apperr"

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the envelope of every JSON API reply.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// ErrorResponse is a rejected request. CooldownRemaining is set for cooldown
// rejections, in seconds.
type ErrorResponse struct {
	Status            string  `json:"status"`
	Reason            string  `json:"reason"`
	Message           string  `json:"message"`
	CooldownRemaining float64 `json:"cooldown_remaining,omitempty"`
}

// NewErrorResponse builds an ErrorResponse from err.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{
		Status:            StatusError,
		Reason:            apperr.Reason(err),
		Message:           err.Error(),
		CooldownRemaining: apperr.CooldownRemaining(err).Seconds(),
	}
}
