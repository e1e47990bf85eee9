package metrics

import "sync/atomic"

// MetricID identifies a single engine counter.
type MetricID uint16

const (
	// MetricFederatedSignIn counts successful sign-ins on an existing provider link.
	MetricFederatedSignIn MetricID = iota
	// MetricFederatedSignUp counts fresh accounts created from provider claims.
	MetricFederatedSignUp
	// MetricFederatedConflict counts authentications that surfaced an account conflict.
	MetricFederatedConflict
	// MetricVerifyFailure counts provider token verifications that failed.
	MetricVerifyFailure
	// MetricProviderUnavailable counts provider outages and timeouts.
	MetricProviderUnavailable
	// MetricSessionCreated counts provider sessions written to the store.
	MetricSessionCreated
	// MetricSessionRefreshed counts successful session token refreshes.
	MetricSessionRefreshed
	// MetricSessionRevoked counts explicit session revocations.
	MetricSessionRevoked
	// MetricSessionExpired counts sessions retired by lazy expiry or sweeps.
	MetricSessionExpired
	// MetricSessionCapEvicted counts oldest-session evictions at the per-provider cap.
	MetricSessionCapEvicted
	// MetricLinkingInitiated counts linking sessions opened.
	MetricLinkingInitiated
	// MetricLinkingEmailSent counts verification emails dispatched.
	MetricLinkingEmailSent
	// MetricLinkingEmailVerified counts successful email code checks.
	MetricLinkingEmailVerified
	// MetricLinkingPasswordVerified counts successful password checks.
	MetricLinkingPasswordVerified
	// MetricLinkingCompleted counts provider links committed to accounts.
	MetricLinkingCompleted
	// MetricLinkingCancelled counts linking sessions cancelled by the caller.
	MetricLinkingCancelled
	// MetricLinkingFailed counts failed verification attempts.
	MetricLinkingFailed
	// MetricLinkingAttemptsExceeded counts linking sessions burned by attempt limits.
	MetricLinkingAttemptsExceeded
	// MetricProviderUnlinked counts provider links removed from accounts.
	MetricProviderUnlinked

	// MetricIDCount is the number of defined metric IDs.
	MetricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Config controls metric collection.
type Config struct {
	Enabled bool
}

// Metrics holds the engine counter set.
//
// Metrics instances are intended to be configured during initialization and
// then treated as immutable unless documented otherwise.
type Metrics struct {
	enabled  bool
	counters [MetricIDCount]paddedCounter
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Counters map[MetricID]uint64
}

// New creates a [Metrics] instance. When cfg.Enabled is false, all
// operations are no-ops.
func New(cfg Config) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Enabled reports whether counters are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc atomically increments the counter for id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value returns the current counter value for id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= MetricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot returns a deep copy of all counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil || !m.enabled {
		return Snapshot{Counters: map[MetricID]uint64{}}
	}

	s := Snapshot{Counters: make(map[MetricID]uint64, int(MetricIDCount))}
	for id := MetricID(0); id < MetricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return s
}
