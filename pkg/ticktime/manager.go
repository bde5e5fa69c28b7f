// Package ticktime implements the shared discrete clock described in
// spec.md §4.3: a monotone tick counter plus EWMA RTT/jitter estimation
// and the two derived virtual clocks (client sending tick, client
// receiving tick) a client uses to stay in a predictable offset from the
// server. The EWMA smoothing and RTO bookkeeping generalize the teacher's
// ReliableClientHandler.rto()/rttMin (pkg/custom/reliable/handlers.go) from
// a single "minimum observed RTT" into the RFC 6298-style dual estimator
// the spec names explicitly.
package ticktime

import (
	"math"
	"sync"
	"time"

	"github.com/pbalcer/naia/pkg/wire"
)

// Config carries the tunables from spec.md §6's configuration table that
// bear on tick/time management.
type Config struct {
	TickInterval        time.Duration
	RTTInitialEstimate   time.Duration
	RTTSmoothingFactor   float64 // EWMA alpha for RTT, default 1/8
	JitterSmoothingFactor float64 // EWMA alpha for jitter, default 1/4
	JitterBufferMaxDepth uint16  // in ticks
	SafetyMarginTicks    uint16
	PingInterval         time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:          16 * time.Millisecond, // ~60Hz
		RTTInitialEstimate:    100 * time.Millisecond,
		RTTSmoothingFactor:    1.0 / 8,
		JitterSmoothingFactor: 1.0 / 4,
		JitterBufferMaxDepth:  3,
		SafetyMarginTicks:     1,
		PingInterval:          1 * time.Second,
	}
}

// Manager owns one side's view of the shared clock. The same type serves
// both client and server; client_sending_tick/client_receiving_tick are
// meaningful only on the client side, where ServerTick tracks the last
// tick heard from the server.
type Manager struct {
	cfg Config

	mu           sync.RWMutex
	localTick    uint16
	serverTick   uint16
	haveServer   bool
	rttMean      time.Duration
	jitterMean   time.Duration
	haveRTT      bool
	lastPingSent time.Time
	tickStart    time.Time
}

// NewManager creates a Manager seeded with cfg's initial RTT estimate.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		rttMean:   cfg.RTTInitialEstimate,
		tickStart: time.Now(),
	}
}

// LocalTick returns this side's own monotone tick counter.
func (m *Manager) LocalTick() uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localTick
}

// AdvanceLocalTick should be called once per TickInterval elapsed; it
// increments the local tick counter, wrapping at 16 bits.
func (m *Manager) AdvanceLocalTick() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localTick++
	return m.localTick
}

// RecordServerTick updates the last-received-tick view of the server's
// clock, as carried on every StandardHeader. Out-of-order headers (an
// older tick arriving after a newer one) are ignored per spec's monotone
// requirement.
func (m *Manager) RecordServerTick(tick uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveServer || wire.SequenceGreaterThan(tick, m.serverTick) {
		m.serverTick = tick
		m.haveServer = true
	}
}

// ServerTick returns the last known server tick.
func (m *Manager) ServerTick() (tick uint16, known bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serverTick, m.haveServer
}

// RecordRTTSample folds a single RTT observation (an ack round trip) into
// the EWMA estimators for RTT and jitter, using the teacher's (and RFC
// 6298's) smoothing factors: rtt_mean += alpha*(sample-rtt_mean),
// jitter_mean += beta*(|sample-rtt_mean| - jitter_mean).
func (m *Manager) RecordRTTSample(sample time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.haveRTT {
		m.rttMean = sample
		m.jitterMean = 0
		m.haveRTT = true
		return
	}

	delta := sample - m.rttMean
	m.rttMean += time.Duration(float64(delta) * m.cfg.RTTSmoothingFactor)

	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}
	jdelta := absDelta - m.jitterMean
	m.jitterMean += time.Duration(float64(jdelta) * m.cfg.JitterSmoothingFactor)
}

// RTT returns the current smoothed RTT estimate.
func (m *Manager) RTT() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rttMean
}

// Jitter returns the current smoothed jitter estimate.
func (m *Manager) Jitter() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jitterMean
}

// rttHalfInTicksLocked converts the current RTT estimate to a tick count, rounding
// up, as ceil(rtt/2 / tick_interval) in spec.md §4.3.
func (m *Manager) rttHalfInTicksLocked() uint16 {
	halfRTT := m.rttMean / 2
	ticks := math.Ceil(float64(halfRTT) / float64(m.cfg.TickInterval))
	if ticks < 0 {
		ticks = 0
	}
	return uint16(ticks)
}

// ClientSendingTick computes the tick the client should stamp on outgoing
// command packets: server_tick + ceil(rtt/2 / tick_interval) + safety_margin.
func (m *Manager) ClientSendingTick() uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serverTick + m.rttHalfInTicksLocked() + m.cfg.SafetyMarginTicks
}

// ClientReceivingTick computes the tick at which the client releases
// buffered server updates: server_tick - jitter_buffer_depth, clamped to
// 0 rather than wrapping during the first few ticks after connecting
// (while server_tick hasn't yet reached the configured depth).
func (m *Manager) ClientReceivingTick() uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.serverTick < m.cfg.JitterBufferMaxDepth {
		return 0
	}
	return m.serverTick - m.cfg.JitterBufferMaxDepth
}

// JitterBufferMaxDepth returns the configured hold depth, in ticks, for
// pkg/jitter's reorder buffer.
func (m *Manager) JitterBufferMaxDepth() uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.JitterBufferMaxDepth
}

// ShouldSendPing reports whether enough time has passed since the last
// ping to justify sending another RTT probe (original_source's
// ping/pong cadence, distinct from heartbeats — see SPEC_FULL.md §9.1).
func (m *Manager) ShouldSendPing(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return now.Sub(m.lastPingSent) >= m.cfg.PingInterval
}

// MarkPingSent records that a ping probe was just sent.
func (m *Manager) MarkPingSent(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPingSent = now
}
