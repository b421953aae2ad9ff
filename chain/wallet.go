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

// Package chain holds the wallet and the on-chain access contracts used by
// live execution. The RPC reader speaks raw JSON-RPC; position manipulation
// and swaps are behind interfaces so deployments can plug in their own
// transaction builders.
package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
)

var (
	// ErrNoWallet is returned when live trading is requested without a
	// configured wallet source.
	ErrNoWallet = errors.New("no wallet configured")

	errBadKeyLength = errors.New("secret key must be 64 or 32 bytes")
)

// Wallet wraps an ed25519 keypair identified by its base58 public key.
type Wallet struct {
	address string
	priv    ed25519.PrivateKey
}

func walletFromSecret(secret []byte) (*Wallet, error) {
	var priv ed25519.PrivateKey
	switch len(secret) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(secret)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(secret)
	default:
		return nil, fmt.Errorf("%w, have %d", errBadKeyLength, len(secret))
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("derived public key has unexpected type")
	}
	// A 64-byte secret embeds the public key; reject files where the two
	// halves disagree rather than sign with a corrupted key.
	if len(secret) == ed25519.PrivateKeySize {
		if got := ed25519.PrivateKey(secret).Public().(ed25519.PublicKey); !pub.Equal(got) {
			return nil, errors.New("secret key halves are inconsistent")
		}
	}
	return &Wallet{address: base58.Encode(pub), priv: priv}, nil
}

// LoadWalletFile reads a Solana CLI keypair file, a JSON array of the 64
// secret key bytes.
func LoadWalletFile(path string) (*Wallet, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet file: %w", err)
	}
	var raw []byte
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("parse wallet file %s: %w", path, err)
	}
	w, err := walletFromSecret(raw)
	if err != nil {
		return nil, fmt.Errorf("wallet file %s: %w", path, err)
	}
	return w, nil
}

// LoadWalletBase64 decodes a base64-encoded secret key, the form used for
// injecting wallets through the environment.
func LoadWalletBase64(secret string) (*Wallet, error) {
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode wallet secret: %w", err)
	}
	return walletFromSecret(raw)
}

// Address returns the base58 public key.
func (w *Wallet) Address() string { return w.address }

// Sign signs msg with the wallet key.
func (w *Wallet) Sign(msg []byte) []byte {
	return ed25519.Sign(w.priv, msg)
}

// Keypair is a throwaway account keypair, minted per position so each
// position lives at its own address.
type Keypair struct {
	address string
	priv    ed25519.PrivateKey
}

// NewPositionKeypair generates a fresh random keypair.
func NewPositionKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate position keypair: %w", err)
	}
	return &Keypair{address: base58.Encode(pub), priv: priv}, nil
}

// Address returns the base58 public key.
func (k *Keypair) Address() string { return k.address }

// Sign signs msg with the position key.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}
