package bridge

import (
	"time"

	"github.com/orchestra-mcp/rpc/src/metrics"
)

// MonitorHeartbeat calls the peer's heartbeat event every timeout, bounding
// each call by timeout too. A missed heartbeat runs onExceeded while the
// bridge is still alive, then monitoring continues. It stops when the bridge
// ends. Self-looped bridges are never monitored, and a second call on the
// same bridge is a no-op.
func (b *Bridge) MonitorHeartbeat(timeout time.Duration, onExceeded func()) {
	if b.role == RoleServerClient || timeout <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive || b.heartbeatTimer != nil {
		return
	}
	b.heartbeatTimer = time.AfterFunc(timeout, func() { b.beat(timeout, onExceeded) })
}

func (b *Bridge) beat(timeout time.Duration, onExceeded func()) {
	_, err := heartbeatOn(b).Call(b.ctx, struct{}{}, WithTimeout(timeout))
	if err != nil && b.Alive() {
		metrics.RecordHeartbeatMiss(string(b.role))
		b.logger.Warn().Err(err).Dur("timeout", timeout).Msg("heartbeat missed")
		if onExceeded != nil {
			onExceeded()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.alive && b.heartbeatTimer != nil {
		b.heartbeatTimer.Reset(timeout)
	}
}
