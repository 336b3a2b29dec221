// Package cost tracks session spend against a budget and gates further
// cost-incurring sends once the budget is exhausted.
//
// The Ledger is the single source of truth for budget state. Other components
// read Status and CanSend; only cost_update ingestion and per-response cost
// deltas mutate it. All monetary values are fixed-point decimals so that
// string-encoded and numeric wire values accumulate exactly.
package cost

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AltairaLabs/VoiceLink/logger"
	"github.com/AltairaLabs/VoiceLink/wire"
)

// ErrBudgetExceeded is returned when a cost-incurring send is rejected
// because the session budget is exhausted and hard stop is enabled.
var ErrBudgetExceeded = errors.New("session budget exceeded")

// Status classifies current spend relative to the budget limit.
type Status string

// Budget statuses, ordered by severity.
const (
	StatusSafe     Status = "safe"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Default percentage-of-budget thresholds.
const (
	DefaultWarningThreshold  = 0.75
	DefaultCriticalThreshold = 0.90
)

// Config configures a Ledger.
type Config struct {
	// BudgetLimit is the session budget in USD. Must be positive.
	BudgetLimit decimal.Decimal

	// WarningThreshold is the fraction of budget at which Status becomes
	// warning. Defaults to DefaultWarningThreshold.
	WarningThreshold float64

	// CriticalThreshold is the fraction of budget at which Status becomes
	// critical. Defaults to DefaultCriticalThreshold.
	CriticalThreshold float64

	// HardStop rejects cost-incurring sends while Status is critical.
	HardStop bool
}

// Summary is a point-in-time copy of ledger state. BudgetRemaining is always
// BudgetLimit minus SessionCost, floored at zero; it is recomputed on every
// update and never mutated independently.
type Summary struct {
	SessionCost     decimal.Decimal
	BudgetLimit     decimal.Decimal
	BudgetRemaining decimal.Decimal
	LastUpdate      time.Time
}

// Ledger accumulates session cost and evaluates budget thresholds.
type Ledger struct {
	cfg Config

	mu          sync.RWMutex
	sessionCost decimal.Decimal
	budgetLimit decimal.Decimal
	lastUpdate  time.Time
	breakdown   map[string]decimal.Decimal

	// alerted tracks which statuses have already been logged so each
	// threshold crossing alerts once.
	alerted map[Status]bool

	sessionID string
}

// NewLedger creates a Ledger for the given session.
func NewLedger(sessionID string, cfg Config) (*Ledger, error) {
	if cfg.BudgetLimit.Sign() <= 0 {
		return nil, errors.New("cost: budget limit must be positive")
	}
	if cfg.WarningThreshold == 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = DefaultCriticalThreshold
	}

	return &Ledger{
		cfg:         cfg,
		budgetLimit: cfg.BudgetLimit,
		breakdown:   make(map[string]decimal.Decimal),
		alerted:     make(map[Status]bool),
		sessionID:   sessionID,
	}, nil
}

// ApplySnapshot ingests an absolute cost_update from the server. The server's
// session cost and budget limit replace local state; BudgetRemaining is
// recomputed locally rather than trusted from the wire.
func (l *Ledger) ApplySnapshot(update *wire.CostUpdateData) {
	l.mu.Lock()
	l.sessionCost = update.SessionCost.Decimal
	if update.BudgetLimit.Sign() > 0 && !update.BudgetLimit.Equal(l.budgetLimit) {
		// A raised limit re-arms threshold alerts.
		if update.BudgetLimit.GreaterThan(l.budgetLimit) {
			l.alerted = make(map[Status]bool)
		}
		l.budgetLimit = update.BudgetLimit.Decimal
	}
	for agent, c := range update.CostBreakdown {
		l.breakdown[agent] = c.Decimal
	}
	l.lastUpdate = time.Now()
	l.mu.Unlock()

	if update.Warning != "" {
		logger.Warn("server budget warning", "session_id", l.sessionID, "warning", update.Warning)
	}
	l.checkAlert()
}

// AddCost accumulates a per-operation cost delta (e.g. the cost field of an
// agent_response). Negative deltas are ignored.
func (l *Ledger) AddCost(delta decimal.Decimal) {
	if delta.Sign() < 0 {
		return
	}
	l.mu.Lock()
	l.sessionCost = l.sessionCost.Add(delta)
	l.lastUpdate = time.Now()
	l.mu.Unlock()

	l.checkAlert()
}

// Summary returns a copy of the current ledger state.
func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Summary{
		SessionCost:     l.sessionCost,
		BudgetLimit:     l.budgetLimit,
		BudgetRemaining: l.remainingLocked(),
		LastUpdate:      l.lastUpdate,
	}
}

// Breakdown returns a copy of the per-agent cost breakdown.
func (l *Ledger) Breakdown() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(l.breakdown))
	for k, v := range l.breakdown {
		out[k] = v
	}
	return out
}

// Status returns the current budget status.
func (l *Ledger) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statusLocked()
}

// CanSend reports whether a cost-incurring message may be sent. It is false
// only when the budget status is critical and hard stop is configured.
func (l *Ledger) CanSend() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !(l.cfg.HardStop && l.statusLocked() == StatusCritical)
}

func (l *Ledger) statusLocked() Status {
	used := l.fractionUsedLocked()
	switch {
	case used >= l.cfg.CriticalThreshold:
		return StatusCritical
	case used >= l.cfg.WarningThreshold:
		return StatusWarning
	default:
		return StatusSafe
	}
}

func (l *Ledger) fractionUsedLocked() float64 {
	if l.budgetLimit.Sign() <= 0 {
		return 0
	}
	used, _ := l.sessionCost.Div(l.budgetLimit).Float64()
	return used
}

func (l *Ledger) remainingLocked() decimal.Decimal {
	remaining := l.budgetLimit.Sub(l.sessionCost)
	if remaining.Sign() < 0 {
		return decimal.Zero
	}
	return remaining
}

// checkAlert logs at most one alert per threshold crossing.
func (l *Ledger) checkAlert() {
	l.mu.Lock()
	status := l.statusLocked()
	if status == StatusSafe || l.alerted[status] {
		l.mu.Unlock()
		return
	}
	l.alerted[status] = true
	sessionCost := l.sessionCost.StringFixed(4)
	remaining := l.remainingLocked().StringFixed(4)
	l.mu.Unlock()

	logger.CostEvent(l.sessionID, string(status), sessionCost, remaining)
}
