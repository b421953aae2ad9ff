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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
)

// Trade-log event kinds.
const (
	EventBotCreated     = "bot_created"
	EventBotStarted     = "bot_started"
	EventBotStopped     = "bot_stopped"
	EventBotError       = "bot_error"
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventScanCompleted  = "scan_completed"
)

// TradeLogEntry is one audit-trail record.
type TradeLogEntry struct {
	ID         int64     `json:"id"`
	BotID      string    `json:"bot_id"`
	UserID     string    `json:"user_id"`
	PositionID string    `json:"position_id,omitempty"`
	Event      string    `json:"event"`
	Details    any       `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func appendTradeLogTx(ctx context.Context, tx *sqlx.Tx, e TradeLogEntry, now time.Time) error {
	details := "{}"
	if e.Details != nil {
		blob, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = string(blob)
	}
	var posID any
	if e.PositionID != "" {
		posID = e.PositionID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade_log (bot_id, user_id, position_id, event, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.BotID, e.UserID, posID, e.Event, details, now)
	return err
}

// AppendTradeLog records one event in the audit trail.
func (s *Store) AppendTradeLog(ctx context.Context, e TradeLogEntry) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return appendTradeLogTx(ctx, tx, e, time.Now().UTC())
	})
}

// TradeLogByBot returns a bot's newest log entries, most recent first.
func (s *Store) TradeLogByBot(ctx context.Context, botID string, limit int) ([]TradeLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	type row struct {
		ID         int64          `db:"id"`
		BotID      string         `db:"bot_id"`
		UserID     string         `db:"user_id"`
		PositionID sql.NullString `db:"position_id"`
		Event      string         `db:"event"`
		Details    string         `db:"details"`
		CreatedAt  time.Time      `db:"created_at"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, bot_id, user_id, position_id, event, details, created_at
		FROM trade_log WHERE bot_id = ? ORDER BY id DESC LIMIT ?`, botID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TradeLogEntry, len(rows))
	for i, r := range rows {
		out[i] = TradeLogEntry{
			ID:        r.ID,
			BotID:     r.BotID,
			UserID:    r.UserID,
			Event:     r.Event,
			CreatedAt: r.CreatedAt,
		}
		if r.PositionID.Valid {
			out[i].PositionID = r.PositionID.String
		}
		if r.Details != "" && r.Details != "{}" {
			var details map[string]any
			if err := json.Unmarshal([]byte(r.Details), &details); err == nil {
				out[i].Details = details
			}
		}
	}
	return out, nil
}
