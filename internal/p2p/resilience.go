package p2p

import (
	"net"
	"sync"
	"time"
)

// Timing constants governing the path-resilience state machine below.
const (
	KeepaliveInterval         = 15 * time.Second
	KeepaliveTimeout          = 45 * time.Second
	MissedKeepalivesThreshold = 3
	FallbackCooldown          = 60 * time.Second
)

// PathStats accumulates the telemetry SelectPath consumes.
type PathStats struct {
	RTT  time.Duration
	Loss float64
}

// ActivePath tracks one transport's liveness.
type ActivePath struct {
	Kind              PathKind
	Remote            *net.UDPAddr
	LastKeepaliveSent time.Time
	LastKeepaliveRecv time.Time
	Missed            uint8
	Stats             PathStats
}

// PathManager owns the direct/relay path switch for one P2P session. Unlike
// HolePunchSession, which is mutated only from the negotiation's single
// owning goroutine, PathManager.Active() is meant to be polled by a sender
// goroutine (choosing where to route outbound payload) while the keepalive
// loop concurrently records sends/receives/misses and promotes or falls
// back the path — so, unlike its sibling types in this package, it guards
// its own state with a mutex rather than requiring a single caller.
type PathManager struct {
	mu sync.Mutex

	active     ActivePath
	relay      *net.UDPAddr
	direct     *net.UDPAddr
	fallbackAt time.Time
	inCooldown bool
}

// NewPathManager starts on the Relay path, as every connection does before
// a direct path is ever nominated.
func NewPathManager(relay *net.UDPAddr) *PathManager {
	return &PathManager{
		active: ActivePath{Kind: PathRelay, Remote: relay},
		relay:  relay,
	}
}

// Active returns the current path.
func (pm *PathManager) Active() ActivePath {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.active
}

// PromoteDirect switches the active path to the given direct remote,
// following a successful hole punch, unless a prior fallback's cooldown is
// still in effect.
func (pm *PathManager) PromoteDirect(direct *net.UDPAddr, now time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.inCooldown && now.Sub(pm.fallbackAt) < FallbackCooldown {
		return
	}
	pm.direct = direct
	pm.active = ActivePath{Kind: PathDirect, Remote: direct, LastKeepaliveRecv: now}
	pm.inCooldown = false
}

// RecordKeepaliveSent updates LastKeepaliveSent on the active path.
func (pm *PathManager) RecordKeepaliveSent(now time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.active.LastKeepaliveSent = now
}

// RecordKeepaliveReceived resets the missed counter and updates
// LastKeepaliveRecv. The Agent's keepalive loop calls it for each keepalive
// response; a keepalive request from the peer is answered but does not
// update path state.
func (pm *PathManager) RecordKeepaliveReceived(now time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.active.LastKeepaliveRecv = now
	pm.active.Missed = 0
}

// RecordKeepaliveMissed increments the missed counter and, once it reaches
// MissedKeepalivesThreshold, falls back the active path to Relay and starts
// the fallback cooldown.
func (pm *PathManager) RecordKeepaliveMissed(now time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.active.Kind != PathDirect {
		return
	}
	pm.active.Missed++
	if pm.active.Missed >= MissedKeepalivesThreshold {
		pm.fallbackToRelayLocked(now)
	}
}

func (pm *PathManager) fallbackToRelayLocked(now time.Time) {
	pm.active = ActivePath{Kind: PathRelay, Remote: pm.relay, LastKeepaliveRecv: now}
	pm.fallbackAt = now
	pm.inCooldown = true
}

// Tick enforces the KeepaliveTimeout worst-case bound: if the direct path
// has gone silent for longer than KeepaliveTimeout without reaching the
// missed-count threshold through explicit misses, it is forced to Relay
// regardless. It also ends a fallback cooldown once FallbackCooldown has
// elapsed.
func (pm *PathManager) Tick(now time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.active.Kind != PathDirect {
		if pm.inCooldown && now.Sub(pm.fallbackAt) >= FallbackCooldown {
			pm.inCooldown = false
		}
		return
	}
	if !pm.active.LastKeepaliveRecv.IsZero() && now.Sub(pm.active.LastKeepaliveRecv) > KeepaliveTimeout {
		pm.fallbackToRelayLocked(now)
	}
}

// RecordStats overwrites the active path's measured RTT/loss, feeding
// SelectPath via DegradeIfUnhealthy.
func (pm *PathManager) RecordStats(stats PathStats) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.active.Stats = stats
}

// DegradeIfUnhealthy applies SelectPath's quality policy on top of the
// liveness checks in Tick: even a direct path that is still answering
// keepalives falls back to Relay once its measured RTT/loss crosses
// SelectPath's thresholds against relayRTT.
func (pm *PathManager) DegradeIfUnhealthy(relayRTT time.Duration, now time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.active.Kind != PathDirect {
		return
	}
	telemetry := PathTelemetry{
		DirectRTT:  pm.active.Stats.RTT,
		RelayRTT:   relayRTT,
		DirectLoss: pm.active.Stats.Loss,
		DirectUp:   true,
	}
	if SelectPath(telemetry) == PathRelay {
		pm.fallbackToRelayLocked(now)
	}
}

// ForceFallback immediately falls back the active path to Relay and starts
// the fallback cooldown, for use when the transport itself reports the
// direct path is gone rather than a keepalive simply going unanswered.
func (pm *PathManager) ForceFallback(now time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.active.Kind != PathDirect {
		return
	}
	pm.fallbackToRelayLocked(now)
}

// EligibleForDirectRetry reports whether a fallen-back direct path may be
// re-attempted: the cooldown has elapsed.
func (pm *PathManager) EligibleForDirectRetry(now time.Time) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.active.Kind == PathDirect {
		return false
	}
	if !pm.inCooldown {
		return true
	}
	return now.Sub(pm.fallbackAt) >= FallbackCooldown
}
