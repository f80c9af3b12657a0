package session

import (
	"time"

	"github.com/proctorlink/proctorlink/internal/signaling"
)

// Action is what a reconnect decision tells the caller to do.
type Action int

const (
	// ActionRetry schedules another attempt after Decision.Delay.
	ActionRetry Action = iota
	// ActionRegenerate retries immediately-ish with a fresh identity and the
	// attempt counter reset to zero. Only ever returned for students hitting
	// an identity conflict, which is not a connectivity failure.
	ActionRegenerate
	// ActionGiveUp stops retrying; the session surfaces a terminal status.
	ActionGiveUp
)

// Decision is the outcome of one reconnect policy evaluation.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// ReconnectPolicy is a pure decision function: given how many attempts have
// failed and why the last one failed, it returns what to do next. It holds no
// timers and touches no network objects, so it is testable in isolation.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Role        Role
}

// DefaultReconnectPolicy matches the shipped retry envelope: 2s doubling to a
// 30s cap, ten attempts before asking the user to refresh.
func DefaultReconnectPolicy(role Role) ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
		Role:        role,
	}
}

// Decide evaluates the policy for the given failed attempt count and error
// kind. Delays grow exponentially (base << attempt) up to MaxDelay; above
// MaxAttempts the policy gives up. A student's identity conflict always yields
// ActionRegenerate regardless of the attempt count.
func (p ReconnectPolicy) Decide(attempt int, kind signaling.ErrorKind) Decision {
	if kind == signaling.KindIdentityTaken {
		if p.Role == RoleStudent {
			return Decision{Action: ActionRegenerate, Delay: p.BaseDelay}
		}
		// Admin: the well-known identity is required; a conflict is terminal.
		return Decision{Action: ActionGiveUp}
	}

	if attempt > p.MaxAttempts {
		return Decision{Action: ActionGiveUp}
	}

	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return Decision{Action: ActionRetry, Delay: delay}
}
