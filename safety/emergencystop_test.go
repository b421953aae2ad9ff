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

package safety

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStop(limits StopLimits) (*EmergencyStop, *time.Time) {
	stop := NewEmergencyStop("bot-1", limits, nil)
	cur := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	stop.SetClock(func() time.Time { return cur })
	return stop, &cur
}

func TestStopPnLAccounting(t *testing.T) {
	stop, _ := newTestStop(StopLimits{})
	results := []float64{0.5, -0.2, -0.1, 0.3, -0.4}
	var want float64
	for _, p := range results {
		stop.RecordTradeResult(p)
		want += p
	}
	s := stop.State()
	require.InDelta(t, want, s.DailyPnLSOL, 1e-12)
	require.InDelta(t, want, s.TotalPnLSOL, 1e-12)
	// Longest suffix of non-positive results is just the final -0.4.
	require.Equal(t, 1, s.ConsecutiveLosses)

	stop.RecordTradeResult(0) // break-even extends the loss run
	stop.RecordTradeResult(-0.1)
	require.Equal(t, 3, stop.State().ConsecutiveLosses)
	stop.RecordTradeResult(0.01)
	require.Equal(t, 0, stop.State().ConsecutiveLosses)
}

func TestStopDailyResetOncePerDay(t *testing.T) {
	stop, cur := newTestStop(StopLimits{MaxDailyLossSOL: 10})
	stop.RecordTradeResult(-0.8)
	require.InDelta(t, -0.8, stop.State().DailyPnLSOL, 1e-12)

	// Cross UTC midnight; the first gate call resets the daily window.
	*cur = cur.Add(13 * time.Hour)
	require.True(t, stop.CanTrade().Allowed)
	s := stop.State()
	require.Zero(t, s.DailyPnLSOL)
	require.Zero(t, s.ConsecutiveLosses)
	require.InDelta(t, -0.8, s.TotalPnLSOL, 1e-12)

	// Further gates on the same day must not reset again.
	stop.RecordTradeResult(-0.3)
	require.True(t, stop.CanTrade().Allowed)
	require.InDelta(t, -0.3, stop.State().DailyPnLSOL, 1e-12)
}

func TestStopDailyLossTrigger(t *testing.T) {
	stop, _ := newTestStop(StopLimits{MaxDailyLossSOL: 1})
	var fired []string
	stop.OnTrigger(func(reason string) { fired = append(fired, reason) })

	stop.RecordTradeResult(-0.6)
	require.True(t, stop.CanTrade().Allowed)
	stop.RecordTradeResult(-0.5)

	d := stop.CanTrade()
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "Daily loss")
	require.Len(t, fired, 1, "callback must fire exactly once per transition")

	// Latched: same reason, no further callback.
	d2 := stop.CanTrade()
	require.False(t, d2.Allowed)
	require.Equal(t, d.Reason, d2.Reason)
	require.Len(t, fired, 1)
}

func TestStopTriggerConditionOrder(t *testing.T) {
	// Both the total-loss and consecutive-loss conditions hold; the
	// earlier check in the fixed order must supply the reason.
	stop, _ := newTestStop(StopLimits{MaxTotalLossSOL: 1, MaxConsecutiveLosses: 2})
	stop.RecordTradeResult(-0.7)
	stop.RecordTradeResult(-0.7)
	d := stop.CanTrade()
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "Total loss")
}

func TestStopConsecutiveLossTrigger(t *testing.T) {
	stop, _ := newTestStop(StopLimits{MaxConsecutiveLosses: 3})
	for i := 0; i < 3; i++ {
		stop.RecordTradeResult(-0.01)
	}
	d := stop.CanTrade()
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "consecutive losses")
}

func TestStopRollingWindows(t *testing.T) {
	stop, cur := newTestStop(StopLimits{MaxTxFailuresPerHour: 2})
	stop.RecordTxFailure()
	*cur = cur.Add(20 * time.Minute)
	stop.RecordTxFailure()
	require.False(t, stop.CanTrade().Allowed)

	// Reset clears both the latch and the rolling windows.
	*cur = cur.Add(50 * time.Minute)
	stop.Reset()
	require.True(t, stop.CanTrade().Allowed)
}

func TestStopWindowPruning(t *testing.T) {
	stop, cur := newTestStop(StopLimits{MaxAPIErrorsPerHour: 2})
	stop.RecordAPIError()
	*cur = cur.Add(61 * time.Minute)
	stop.RecordAPIError()
	// The first error is now outside the rolling hour.
	require.True(t, stop.CanTrade().Allowed)
	require.Len(t, stop.State().APIErrors, 1)
}

func TestStopKillSwitch(t *testing.T) {
	stop, _ := newTestStop(StopLimits{})
	stop.SetKillSwitch(true)
	d := stop.CanTrade()
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "Kill switch")
	// The kill switch does not latch.
	stop.SetKillSwitch(false)
	require.True(t, stop.CanTrade().Allowed)
}

func TestStopManualTrigger(t *testing.T) {
	stop, _ := newTestStop(StopLimits{})
	fired := 0
	stop.OnTrigger(func(string) { fired++ })
	stop.ManualTrigger("operator halt")
	stop.ManualTrigger("second call") // no-op while latched
	require.Equal(t, 1, fired)
	triggered, reason := stop.Triggered()
	require.True(t, triggered)
	require.Equal(t, "operator halt", reason)

	stop.Reset()
	require.True(t, stop.CanTrade().Allowed)
	stop.ManualTrigger("again")
	require.Equal(t, 2, fired, "reset re-arms the callbacks")
}

func TestStopResetPreservesPnL(t *testing.T) {
	stop, _ := newTestStop(StopLimits{MaxDailyLossSOL: 1})
	stop.RecordTradeResult(-1.5)
	require.False(t, stop.CanTrade().Allowed)

	stop.Reset()
	// The loss still stands, so the next gate re-latches.
	d := stop.CanTrade()
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "Daily loss")
	require.InDelta(t, -1.5, stop.State().TotalPnLSOL, 1e-12)

	stop.FullReset()
	require.True(t, stop.CanTrade().Allowed)
	require.Zero(t, stop.State().TotalPnLSOL)
}

func TestStopCallbackPanicContained(t *testing.T) {
	stop, _ := newTestStop(StopLimits{})
	var second bool
	stop.OnTrigger(func(string) { panic("handler bug") })
	stop.OnTrigger(func(string) { second = true })
	require.NotPanics(t, func() { stop.ManualTrigger("halt") })
	require.True(t, second)
}

func TestStopStateRoundTrip(t *testing.T) {
	stop, cur := newTestStop(StopLimits{MaxDailyLossSOL: 1})
	stop.RecordTradeResult(-0.4)
	stop.RecordTxFailure()
	stop.ManualTrigger("halt")
	*cur = cur.Add(time.Minute)

	blob, err := stop.Serialize()
	require.NoError(t, err)
	decoded, err := DecodeState(blob)
	require.NoError(t, err)
	require.Equal(t, stop.State(), *decoded)
}

func TestDecodeStateRejectsMissingEssentials(t *testing.T) {
	blobs := []string{
		`{}`,
		`{"triggered":true,"dailyPnlSol":-1}`,
		`{"triggered":false,"totalPnlSol":0}`,
		`{"dailyPnlSol":0,"totalPnlSol":0}`,
		`not json`,
	}
	for _, blob := range blobs {
		s, err := DecodeState([]byte(blob))
		if err == nil || s != nil {
			t.Errorf("blob %q accepted, want ErrCorruptState", blob)
		}
	}
	// Unknown fields are tolerated.
	s, err := DecodeState([]byte(`{"triggered":false,"dailyPnlSol":-0.1,"totalPnlSol":-0.4,"legacyField":7}`))
	require.NoError(t, err)
	require.InDelta(t, -0.4, s.TotalPnLSOL, 1e-12)
}

func TestStopRestoreConservative(t *testing.T) {
	stop, _ := newTestStop(StopLimits{})
	stop.RecordTradeResult(-0.5)
	stop.Restore(&StopState{DailyPnLSOL: -0.1, TotalPnLSOL: -0.1})
	s := stop.State()
	// Restoring a smaller loss never shrinks the accumulated one.
	require.InDelta(t, -0.5, s.DailyPnLSOL, 1e-12)

	stop.Restore(&StopState{Triggered: true, TriggerReason: "persisted halt", DailyPnLSOL: -2, TotalPnLSOL: -2})
	triggered, reason := stop.Triggered()
	require.True(t, triggered)
	require.Equal(t, "persisted halt", reason)
	require.InDelta(t, -2, stop.State().TotalPnLSOL, 1e-12)
}

func TestStopReasonMentionsLimit(t *testing.T) {
	stop, _ := newTestStop(StopLimits{MaxDailyLossSOL: 1})
	stop.RecordTradeResult(-1.1)
	d := stop.CanTrade()
	require.False(t, d.Allowed)
	if !strings.Contains(d.Reason, "1.1000") || !strings.Contains(d.Reason, "1.0000") {
		t.Errorf("reason lacks amounts: %q", d.Reason)
	}
}
