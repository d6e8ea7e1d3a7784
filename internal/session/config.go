package session

import "time"

// Metric sentinels and baseline values.
const (
	// DeadLink marks a path the pathfinder has reported as broken.
	DeadLink uint32 = 0xFFFFFFFF
	// SMIncoming is the metric assigned to a session discovered from an
	// incoming handshake.
	SMIncoming uint32 = 0xFFFFFFF0
	// SMSend is the metric assigned to a session created to satisfy an
	// outbound packet with no prior route information.
	SMSend uint32 = 0xFFFFFFF1
)

// Config holds the tunables driving session lifetime, search cadence and
// buffer capacity. It is intentionally free of serialization tags; the
// ambient config loader in internal/config populates one of these from a
// YAML file plus environment overrides and hands it to NewManager.
type Config struct {
	// SessionTimeout is how long a session may go without an authenticated
	// inbound frame before the housekeeper tears it down.
	SessionTimeout time.Duration

	// SessionSearchAfter is how long a maintained session may go without a
	// search re-trigger before the housekeeper emits another Core_SEARCH_REQ.
	SessionSearchAfter time.Duration

	// MaxBufferedMessages bounds the number of outbound messages held
	// while awaiting route discovery.
	MaxBufferedMessages int

	// BufferLifetime is how long a buffered message may sit before the
	// housekeeper (or an opportunistic check) expires it.
	BufferLifetime time.Duration

	// HousekeeperInterval is the period of the C7 timer loop.
	HousekeeperInterval time.Duration
}

// DefaultConfig returns the tunables described in (10s housekeeper)
// and §5, with otherwise conservative defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:      2 * time.Minute,
		SessionSearchAfter:  20 * time.Second,
		MaxBufferedMessages: 256,
		BufferLifetime:      10 * time.Second,
		HousekeeperInterval: 10 * time.Second,
	}
}
