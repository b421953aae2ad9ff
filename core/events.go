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

package core

import "time"

// EventType names a bot lifecycle or trading event.
type EventType string

const (
	EventEngineStarted   EventType = "engine:started"
	EventEngineStopped   EventType = "engine:stopped"
	EventEngineError     EventType = "engine:error"
	EventPositionOpened  EventType = "position:opened"
	EventPositionUpdated EventType = "position:updated"
	EventPositionClosed  EventType = "position:closed"
	EventScanCompleted   EventType = "scan:completed"
)

// BotEvent is one engine emission. Seq is a bus-assigned monotonic
// sequence number; events published later always carry a larger Seq,
// so consumers can order deliveries without trusting wall clocks.
type BotEvent struct {
	Type   EventType `json:"type"`
	BotID  string    `json:"bot_id"`
	UserID string    `json:"user_id"`
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`

	// Payload is one of *TrackedPosition, ScanSummary, EngineInfo or
	// ErrorInfo depending on Type.
	Payload any `json:"payload,omitempty"`
}

// ScanSummary is the scan:completed payload.
type ScanSummary struct {
	Eligible int           `json:"eligible"`
	Entered  int           `json:"entered"`
	Elapsed  time.Duration `json:"elapsed"`
}

// EngineInfo is the engine:started and engine:stopped payload.
type EngineInfo struct {
	Mode     Mode         `json:"mode"`
	Strategy StrategyMode `json:"strategy"`
	Stats    EngineStats  `json:"stats"`
}

// ErrorInfo is the engine:error payload.
type ErrorInfo struct {
	Reason string `json:"reason"`
}
