// Copyright 2025 The binrunner Authors
// This file is part of the binrunner library.
//
// The binrunner library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The binrunner library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the binrunner library. If not, see <http://www.gnu.org/licenses/>.

// Package safety implements the two per-bot trading gates: the
// emergency stop, a latching financial kill switch whose state
// survives restarts, and the circuit breaker, a transient throttle
// over position count, exposure and trade rate.
//
// Both gates return a Decision rather than an error: a denied trade
// is normal control flow, not a failure.
package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ErrCorruptState reports a persisted emergency-stop blob that is
// missing one of its essential fields.
var ErrCorruptState = errors.New("safety: corrupt emergency-stop state")

var triggerCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "binrunner",
	Subsystem: "safety",
	Name:      "emergency_triggers_total",
	Help:      "Emergency-stop trigger transitions, by bot.",
}, []string{"bot_id"})

// Decision is a gate verdict. Reason is set only when denied.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r string) Decision { return Decision{Allowed: false, Reason: r} }

// StopLimits bounds the losses and failure rates a bot may accumulate
// before the emergency stop latches.
type StopLimits struct {
	MaxDailyLossSOL      float64
	MaxTotalLossSOL      float64
	MaxConsecutiveLosses int
	MaxTxFailuresPerHour int
	MaxAPIErrorsPerHour  int
}

// DefaultStopLimits returns the stock limits applied when a bot's
// configuration does not override them.
func DefaultStopLimits() StopLimits {
	return StopLimits{
		MaxDailyLossSOL:      1.0,
		MaxTotalLossSOL:      3.0,
		MaxConsecutiveLosses: 5,
		MaxTxFailuresPerHour: 5,
		MaxAPIErrorsPerHour:  10,
	}
}

// StopState is the persistable snapshot of an EmergencyStop. The JSON
// shape is the storage blob format; Triggered, DailyPnLSOL and
// TotalPnLSOL are the essential fields checked on decode.
type StopState struct {
	Triggered     bool      `json:"triggered"`
	TriggerReason string    `json:"triggerReason,omitempty"`
	TriggeredAt   time.Time `json:"triggeredAt,omitempty"`
	KillSwitch    bool      `json:"killSwitch,omitempty"`

	DailyPnLSOL       float64 `json:"dailyPnlSol"`
	TotalPnLSOL       float64 `json:"totalPnlSol"`
	ConsecutiveLosses int     `json:"consecutiveLosses"`
	DailyResetDate    string  `json:"dailyResetDate,omitempty"`

	TxFailures    []time.Time `json:"txFailures,omitempty"`
	APIErrors     []time.Time `json:"apiErrors,omitempty"`
	TotalTriggers int         `json:"totalTriggers,omitempty"`
}

// DecodeState parses a persisted blob. Unknown fields are ignored but
// a blob missing any essential field is rejected with ErrCorruptState,
// so a half-written row can never silently reset loss accounting.
func DecodeState(blob []byte) (*StopState, error) {
	var probe struct {
		Triggered   *bool    `json:"triggered"`
		DailyPnLSOL *float64 `json:"dailyPnlSol"`
		TotalPnLSOL *float64 `json:"totalPnlSol"`
	}
	if err := json.Unmarshal(blob, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if probe.Triggered == nil || probe.DailyPnLSOL == nil || probe.TotalPnLSOL == nil {
		return nil, ErrCorruptState
	}
	var s StopState
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &s, nil
}

// TriggerCallback observes a trigger transition. Callbacks run without
// the stop's lock held and may call back into it.
type TriggerCallback func(reason string)

// EmergencyStop is the per-bot financial kill switch. Once any trigger
// condition latches, every subsequent gate call is denied with the
// original reason until Reset. All methods are safe for concurrent
// use.
type EmergencyStop struct {
	botID  string
	limits StopLimits
	log    *zap.Logger
	now    func() time.Time

	mu                sync.Mutex
	killSwitch        bool
	triggered         bool
	triggerReason     string
	triggeredAt       time.Time
	dailyPnL          float64
	totalPnL          float64
	consecutiveLosses int
	dailyResetDate    string
	txFailures        []time.Time
	apiErrors         []time.Time
	totalTriggers     int
	callbacks         []TriggerCallback
}

// NewEmergencyStop returns an untriggered stop with the given limits.
func NewEmergencyStop(botID string, limits StopLimits, log *zap.Logger) *EmergencyStop {
	if log == nil {
		log = zap.NewNop()
	}
	e := &EmergencyStop{
		botID:  botID,
		limits: limits,
		log:    log.Named("emergency"),
		now:    time.Now,
	}
	e.dailyResetDate = e.today()
	return e
}

// SetClock replaces the time source, for tests.
func (e *EmergencyStop) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// OnTrigger registers cb to run on the next trigger transition.
func (e *EmergencyStop) OnTrigger(cb TriggerCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

func (e *EmergencyStop) today() string {
	return e.now().UTC().Format("2006-01-02")
}

// maybeResetDay clears the daily accumulators on the first call after
// a UTC midnight. Caller holds e.mu.
func (e *EmergencyStop) maybeResetDay() {
	today := e.today()
	if today == e.dailyResetDate {
		return
	}
	e.log.Info("daily loss window reset",
		zap.String("bot", e.botID),
		zap.String("from", e.dailyResetDate),
		zap.String("to", today),
		zap.Float64("closed_daily_pnl_sol", e.dailyPnL))
	e.dailyPnL = 0
	e.consecutiveLosses = 0
	e.dailyResetDate = today
}

// pruneWindows drops failure timestamps older than one hour. Caller
// holds e.mu.
func (e *EmergencyStop) pruneWindows() {
	cutoff := e.now().Add(-time.Hour)
	e.txFailures = pruneBefore(e.txFailures, cutoff)
	e.apiErrors = pruneBefore(e.apiErrors, cutoff)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// CanTrade evaluates the gate. Trigger conditions are checked in a
// fixed order; crossing one latches the stop and fires the registered
// callbacks exactly once for that transition.
func (e *EmergencyStop) CanTrade() Decision {
	e.mu.Lock()
	e.maybeResetDay()
	e.pruneWindows()

	if e.killSwitch {
		e.mu.Unlock()
		return deny("Kill switch active")
	}
	if e.triggered {
		d := deny(e.triggerReason)
		e.mu.Unlock()
		return d
	}
	var reason string
	switch {
	case e.limits.MaxDailyLossSOL > 0 && e.dailyPnL <= -e.limits.MaxDailyLossSOL:
		reason = fmt.Sprintf("Daily loss limit reached: %.4f SOL (max %.4f)", e.dailyPnL, e.limits.MaxDailyLossSOL)
	case e.limits.MaxTotalLossSOL > 0 && e.totalPnL <= -e.limits.MaxTotalLossSOL:
		reason = fmt.Sprintf("Total loss limit reached: %.4f SOL (max %.4f)", e.totalPnL, e.limits.MaxTotalLossSOL)
	case e.limits.MaxConsecutiveLosses > 0 && e.consecutiveLosses >= e.limits.MaxConsecutiveLosses:
		reason = fmt.Sprintf("Too many consecutive losses: %d", e.consecutiveLosses)
	case e.limits.MaxTxFailuresPerHour > 0 && len(e.txFailures) >= e.limits.MaxTxFailuresPerHour:
		reason = fmt.Sprintf("Too many transaction failures: %d in the last hour", len(e.txFailures))
	case e.limits.MaxAPIErrorsPerHour > 0 && len(e.apiErrors) >= e.limits.MaxAPIErrorsPerHour:
		reason = fmt.Sprintf("Too many API errors: %d in the last hour", len(e.apiErrors))
	}
	if reason == "" {
		e.mu.Unlock()
		return allow()
	}
	cbs := e.latch(reason)
	e.mu.Unlock()
	e.fire(cbs, reason)
	return deny(reason)
}

// latch records the trigger transition and returns the callbacks to
// fire. Caller holds e.mu.
func (e *EmergencyStop) latch(reason string) []TriggerCallback {
	e.triggered = true
	e.triggerReason = reason
	e.triggeredAt = e.now()
	e.totalTriggers++
	triggerCounter.WithLabelValues(e.botID).Inc()
	e.log.Warn("emergency stop triggered",
		zap.String("bot", e.botID),
		zap.String("reason", reason),
		zap.Float64("daily_pnl_sol", e.dailyPnL),
		zap.Float64("total_pnl_sol", e.totalPnL))
	return append([]TriggerCallback(nil), e.callbacks...)
}

// fire invokes callbacks outside the lock; a panicking callback is
// contained and logged.
func (e *EmergencyStop) fire(cbs []TriggerCallback, reason string) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("trigger callback panicked",
						zap.String("bot", e.botID), zap.Any("panic", r))
				}
			}()
			cb(reason)
		}()
	}
}

// RecordTradeResult folds one realised trade P&L into the loss
// accounting. A non-positive result extends the consecutive-loss run;
// a profit clears it.
func (e *EmergencyStop) RecordTradeResult(pnlSOL float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeResetDay()
	e.dailyPnL += pnlSOL
	e.totalPnL += pnlSOL
	if pnlSOL > 0 {
		e.consecutiveLosses = 0
	} else {
		e.consecutiveLosses++
	}
}

// RecordTxFailure appends a transaction failure to the rolling window.
func (e *EmergencyStop) RecordTxFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txFailures = append(e.txFailures, e.now())
}

// RecordAPIError appends an API error to the rolling window.
func (e *EmergencyStop) RecordAPIError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apiErrors = append(e.apiErrors, e.now())
}

// ManualTrigger latches the stop with an operator-supplied reason.
// A no-op when already triggered.
func (e *EmergencyStop) ManualTrigger(reason string) {
	e.mu.Lock()
	if e.triggered {
		e.mu.Unlock()
		return
	}
	cbs := e.latch(reason)
	e.mu.Unlock()
	e.fire(cbs, reason)
}

// SetKillSwitch toggles the manual kill switch. Unlike a trigger it
// does not latch: clearing it restores trading immediately.
func (e *EmergencyStop) SetKillSwitch(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = on
	e.log.Warn("kill switch set", zap.String("bot", e.botID), zap.Bool("on", on))
}

// Reset clears the trigger, the rolling failure windows and the
// consecutive-loss run. Accumulated P&L is preserved, so a limit that
// is still exceeded will re-latch on the next gate call.
func (e *EmergencyStop) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggered = false
	e.triggerReason = ""
	e.triggeredAt = time.Time{}
	e.consecutiveLosses = 0
	e.txFailures = nil
	e.apiErrors = nil
	e.log.Info("emergency stop reset", zap.String("bot", e.botID))
}

// FullReset wipes all accumulated state including P&L. Limits and
// registered callbacks survive.
func (e *EmergencyStop) FullReset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggered = false
	e.triggerReason = ""
	e.triggeredAt = time.Time{}
	e.killSwitch = false
	e.dailyPnL = 0
	e.totalPnL = 0
	e.consecutiveLosses = 0
	e.dailyResetDate = e.today()
	e.txFailures = nil
	e.apiErrors = nil
	e.totalTriggers = 0
	e.log.Info("emergency stop fully reset", zap.String("bot", e.botID))
}

// State snapshots the stop for persistence or telemetry.
func (e *EmergencyStop) State() StopState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return StopState{
		Triggered:         e.triggered,
		TriggerReason:     e.triggerReason,
		TriggeredAt:       e.triggeredAt,
		KillSwitch:        e.killSwitch,
		DailyPnLSOL:       e.dailyPnL,
		TotalPnLSOL:       e.totalPnL,
		ConsecutiveLosses: e.consecutiveLosses,
		DailyResetDate:    e.dailyResetDate,
		TxFailures:        append([]time.Time(nil), e.txFailures...),
		APIErrors:         append([]time.Time(nil), e.apiErrors...),
		TotalTriggers:     e.totalTriggers,
	}
}

// Serialize marshals the current state into the storage blob.
func (e *EmergencyStop) Serialize() ([]byte, error) {
	s := e.State()
	return json.Marshal(&s)
}

// Restore applies a previously persisted state. Restoration is
// conservative: an already latched stop stays latched even if the
// blob says otherwise, and accumulated losses only grow.
func (e *EmergencyStop) Restore(s *StopState) {
	if s == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.Triggered {
		e.triggered = true
		e.triggerReason = s.TriggerReason
		e.triggeredAt = s.TriggeredAt
	}
	e.killSwitch = e.killSwitch || s.KillSwitch
	if s.DailyPnLSOL < e.dailyPnL {
		e.dailyPnL = s.DailyPnLSOL
	}
	if s.TotalPnLSOL < e.totalPnL {
		e.totalPnL = s.TotalPnLSOL
	}
	if s.ConsecutiveLosses > e.consecutiveLosses {
		e.consecutiveLosses = s.ConsecutiveLosses
	}
	if s.DailyResetDate != "" {
		e.dailyResetDate = s.DailyResetDate
	}
	e.txFailures = append(e.txFailures, s.TxFailures...)
	e.apiErrors = append(e.apiErrors, s.APIErrors...)
	if s.TotalTriggers > e.totalTriggers {
		e.totalTriggers = s.TotalTriggers
	}
}

// Triggered reports whether the stop is latched, with its reason.
func (e *EmergencyStop) Triggered() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggered, e.triggerReason
}
