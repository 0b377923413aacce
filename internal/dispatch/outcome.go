package dispatch

import "time"

// OutcomeKind is the exhaustive classification of one delivery attempt.
type OutcomeKind int

const (
	// Delivered: the transport call succeeded and the gateway answered.
	Delivered OutcomeKind = iota + 1
	// Timeout: the per-carrier deadline elapsed.
	Timeout
	// TransportError: non-timeout network or protocol failure.
	TransportError
	// ValidationError: templating produced an empty body; no network
	// call was made.
	ValidationError
	// UnexpectedError: anything else that broke the attempt.
	UnexpectedError
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Timeout:
		return "timeout"
	case TransportError:
		return "transport_error"
	case ValidationError:
		return "validation_error"
	case UnexpectedError:
		return "unexpected_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether the backoff machinery may try again.
// Validation failures are final: resending an empty body cannot help.
func (k OutcomeKind) Retryable() bool {
	switch k {
	case Timeout, TransportError, UnexpectedError:
		return true
	default:
		return false
	}
}

// Outcome is the result of one attempt.
type Outcome struct {
	Kind    OutcomeKind
	Carrier string

	// Response holds the parsed gateway reply when it was valid JSON.
	Response map[string]any
	// RawBody and StatusCode carry the reply when it was not.
	RawBody    string
	StatusCode int

	Err     string
	Latency time.Duration
}

func (o Outcome) Success() bool { return o.Kind == Delivered }
