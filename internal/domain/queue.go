package domain

import "time"

// Queue directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Queue item states. Items move from pending to processed or failed.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// QueueItem is a raw message waiting to be processed for a local user. A
// zero UserID marks an item received on the public endpoint.
type QueueItem struct {
	ID         int64
	Direction  string
	UserID     int64
	Body       []byte
	ReceivedAt time.Time
	Status     string
	Attempts   int
	LastError  string
}
