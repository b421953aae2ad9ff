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
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type userRow struct {
	ID                    string         `db:"id"`
	WalletAddress         string         `db:"wallet_address"`
	SentinelWalletAddress sql.NullString `db:"sentinel_wallet_address"`
	AuthNonce             sql.NullString `db:"auth_nonce"`
	AuthNonceExpiresAt    sql.NullTime   `db:"auth_nonce_expires_at"`
	RefreshTokenHash      sql.NullString `db:"refresh_token_hash"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

// User is an account keyed by its signing wallet.
type User struct {
	ID                    string
	WalletAddress         string
	SentinelWalletAddress string
	RefreshTokenHash      string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (r *userRow) toUser() *User {
	u := &User{
		ID:            r.ID,
		WalletAddress: r.WalletAddress,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.SentinelWalletAddress.Valid {
		u.SentinelWalletAddress = r.SentinelWalletAddress.String
	}
	if r.RefreshTokenHash.Valid {
		u.RefreshTokenHash = r.RefreshTokenHash.String
	}
	return u
}

// CreateUser inserts a new account for walletAddress.
func (s *Store) CreateUser(ctx context.Context, walletAddress string) (*User, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, wallet_address, created_at, updated_at)
		VALUES (?, ?, ?, ?)`, id, walletAddress, now, now)
	if err != nil {
		return nil, err
	}
	return s.UserByID(ctx, id)
}

// UserByID loads one user.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundAs(err)
	}
	return row.toUser(), nil
}

// UserByWallet loads the account owning walletAddress.
func (s *Store) UserByWallet(ctx context.Context, walletAddress string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE wallet_address = ?`, walletAddress)
	if err != nil {
		return nil, notFoundAs(err)
	}
	return row.toUser(), nil
}

// SetAuthNonce stores a fresh login nonce with its expiry, replacing
// any prior one.
func (s *Store) SetAuthNonce(ctx context.Context, userID, nonce string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET auth_nonce = ?, auth_nonce_expires_at = ?, updated_at = ?
		WHERE id = ?`, nonce, expiresAt.UTC(), time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeNonce returns the stored nonce and clears it in the same
// transaction, so a nonce can authenticate at most one signature.
// Expired or absent nonces report ok=false.
func (s *Store) ConsumeNonce(ctx context.Context, userID string) (nonce string, ok bool, err error) {
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			Nonce     sql.NullString `db:"auth_nonce"`
			ExpiresAt sql.NullTime   `db:"auth_nonce_expires_at"`
		}
		if gerr := tx.GetContext(ctx, &row, `SELECT auth_nonce, auth_nonce_expires_at FROM users WHERE id = ?`, userID); gerr != nil {
			return notFoundAs(gerr)
		}
		if _, uerr := tx.ExecContext(ctx, `
			UPDATE users SET auth_nonce = NULL, auth_nonce_expires_at = NULL, updated_at = ?
			WHERE id = ?`, time.Now().UTC(), userID); uerr != nil {
			return uerr
		}
		if !row.Nonce.Valid || row.Nonce.String == "" {
			return nil
		}
		if row.ExpiresAt.Valid && time.Now().After(row.ExpiresAt.Time) {
			return nil
		}
		nonce, ok = row.Nonce.String, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return nonce, ok, nil
}

// SetRefreshTokenHash stores the hash of the user's current refresh
// token; an empty hash revokes it.
func (s *Store) SetRefreshTokenHash(ctx context.Context, userID, hash string) error {
	var v any
	if hash != "" {
		v = hash
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET refresh_token_hash = ?, updated_at = ? WHERE id = ?`,
		v, time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSentinelWallet links the on-chain safe-wallet address.
func (s *Store) SetSentinelWallet(ctx context.Context, userID, address string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET sentinel_wallet_address = ?, updated_at = ? WHERE id = ?`,
		address, time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
