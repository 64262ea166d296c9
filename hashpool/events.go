package hashpool

import (
	"encoding/json"
	"errors"
	"time"

	"encore.dev/pubsub"
)

// EventVersion1 is the current schema version for hashpool events,
// matching pkg/pubsub/events.go's versioning convention.
const EventVersion1 = 1

// PoolLowEvent is published when a refill tick cannot top the pool up
// to its target size because C2 has no more available rows to claim,
// so a future monitoring service can alert without
// this package depending on it (the "service never calls back into its
// observers" rule the teacher's pubsub design follows).
type PoolLowEvent struct {
	Version     int       `json:"version"`
	Size        int64     `json:"size"`
	Target      int64     `json:"target"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Validate checks PoolLowEvent is well-formed.
func (e *PoolLowEvent) Validate() error {
	if e.Version != EventVersion1 {
		return errors.New("hashpool: unsupported event version")
	}
	if e.ObservedAt.IsZero() {
		return errors.New("hashpool: observed_at cannot be zero")
	}
	return nil
}

// ToJSON serializes the event.
func (e *PoolLowEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

// PoolLowTopic carries PoolLowEvent to any subscriber interested in
// pool-exhaustion alerting.
var PoolLowTopic = pubsub.NewTopic[*PoolLowEvent](
	"hash-pool-low",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)
