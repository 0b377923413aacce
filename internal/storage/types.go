package storage

import "time"

// State is a queue item's lifecycle state. The string values are the
// persisted wire values and match what operators see in the database,
// Spanish included.
type State string

const (
	StatePending   State = "pending"
	StateSending   State = "sending"
	StateDelivered State = "delivered"
	StateRetrying  State = "reintentando"
	StateFailed    State = "fallido"
)

// Terminal reports whether the state can still change.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// QueueItem is one message awaiting delivery.
type QueueItem struct {
	ID          string
	Number      string
	Template    string
	RowData     map[string]any
	DynamicLink string

	Carrier  string // last assigned carrier, empty before the first attempt
	Attempts int
	State    State

	LastAttemptAt time.Time // zero until the first attempt
	NextRetryAt   time.Time // zero unless State == StateRetrying
	CreatedAt     time.Time
}

// Attempt is one recorded delivery try. Never mutated after insert.
type Attempt struct {
	ID       string
	ItemID   string
	Carrier  string
	Success  bool
	Response string // gateway reply (raw or re-marshaled JSON)
	Error    string
	Latency  time.Duration
	At       time.Time
}

// CarrierStats aggregates attempt history for one carrier.
type CarrierStats struct {
	Carrier        string  `json:"carrier"`
	TotalSent      int64   `json:"total_sent"`
	TotalDelivered int64   `json:"total_delivered"`
	TotalFailed    int64   `json:"total_failed"`
	SuccessRate    float64 `json:"success_rate"` // 0..100
	ErrorRate      float64 `json:"error_rate"`   // 0..1
	LastError      string  `json:"last_error,omitempty"`
}
