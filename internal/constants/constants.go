package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Bounded wait for the per-rule critical section guarding version numbering
// and activation. Exceeding it surfaces as a CONTENTION error.
const (
	DefaultLockTimeout = 3 * time.Second
)

const (
	DefaultRuleset = "access"
	ActionApprove  = "approve"
)

const (
	CacheKeyPrefixContent = "verdict:content:"
)

const (
	SystemActor = "system"
)
