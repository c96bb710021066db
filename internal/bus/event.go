package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the relay core. Subscribers filter by prefix,
// e.g. "message." receives both upserted and delivered events.
const (
	KindCycleComplete    = "sync.cycle_complete"
	KindCycleFailed      = "sync.cycle_failed"
	KindMessageUpserted  = "message.upserted"
	KindMessageDelivered = "message.delivered"
	KindBundleRetry      = "bundle.retry_scheduled"
	KindBundleFailed     = "bundle.failed"
	KindStatusChanged    = "daemon.status_changed"
)
