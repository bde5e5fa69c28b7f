package ticktime_test

import (
	"testing"
	"time"

	"github.com/pbalcer/naia/pkg/ticktime"
	"github.com/stretchr/testify/require"
)

func TestClockConvergence(t *testing.T) {
	// Property 6: with steady RTT, |client_sending_tick - server_tick -
	// rtt_in_ticks/2| < 2 after 50 sampled acks.
	cfg := ticktime.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	m := ticktime.NewManager(cfg)
	m.RecordServerTick(1000)

	steadyRTT := 60 * time.Millisecond
	for i := 0; i < 50; i++ {
		m.RecordRTTSample(steadyRTT)
	}

	serverTick, _ := m.ServerTick()
	sending := m.ClientSendingTick()
	rttInTicks := int(steadyRTT/2/cfg.TickInterval) + int(cfg.SafetyMarginTicks)

	diff := int(sending) - int(serverTick) - rttInTicks
	require.Less(t, abs(diff), 2)
}

func TestReceivingTickLagsByJitterDepth(t *testing.T) {
	cfg := ticktime.DefaultConfig()
	cfg.JitterBufferMaxDepth = 3
	m := ticktime.NewManager(cfg)
	m.RecordServerTick(200)

	require.Equal(t, uint16(197), m.ClientReceivingTick())
}

func TestServerTickMonotone(t *testing.T) {
	m := ticktime.NewManager(ticktime.DefaultConfig())
	m.RecordServerTick(100)
	m.RecordServerTick(50) // stale, should be ignored
	tick, ok := m.ServerTick()
	require.True(t, ok)
	require.Equal(t, uint16(100), tick)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
