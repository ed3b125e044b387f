package types

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// FailureReason is the machine-readable cause of an AR in ERROR
type FailureReason string

const (
	ReasonNone                FailureReason = ""
	ReasonTimeout             FailureReason = "timeout"
	ReasonDecodeFailure       FailureReason = "decode_failure"
	ReasonNegotiationRejected FailureReason = "negotiation_rejected"
	ReasonWatchdogLoss        FailureReason = "watchdog_loss"
	ReasonDataStatusInvalid   FailureReason = "data_status_invalid"
	ReasonTransport           FailureReason = "transport"
)

// Hint returns operator remediation guidance for the reason
func (r FailureReason) Hint() string {
	switch r {
	case ReasonTimeout:
		return "Device did not answer the connect request. Check IP address, cabling and that the RTU is powered."
	case ReasonDecodeFailure:
		return "Device answered with a malformed response. Capture the traffic and check firmware compatibility."
	case ReasonNegotiationRejected:
		return "Device rejected the connection. Compare the slot profile with the modules actually plugged in the RTU."
	case ReasonWatchdogLoss:
		return "Cyclic data stopped arriving. Check the network path and the RTU state, then reconnect."
	case ReasonDataStatusInvalid:
		return "Device reports its process data as invalid. Check the RTU application and its diagnostics."
	case ReasonTransport:
		return "Local network error. Check the configured interface and permissions for raw sockets."
	default:
		return ""
	}
}
