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

package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func testSecret(t *testing.T) (ed25519.PublicKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestLoadWalletFile(t *testing.T) {
	pub, secret := testSecret(t)

	// Keypair files hold a plain integer array, not the base64 form
	// encoding/json gives []byte.
	ints := make([]int, len(secret))
	for i, b := range secret {
		ints[i] = int(b)
	}
	blob, err := json.Marshal(ints)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	w, err := LoadWalletFile(path)
	require.NoError(t, err)
	require.Equal(t, base58.Encode(pub), w.Address())

	msg := []byte("hello bins")
	require.True(t, ed25519.Verify(pub, msg, w.Sign(msg)))
}

func TestLoadWalletFileErrors(t *testing.T) {
	if _, err := LoadWalletFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("want error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"an array"}`), 0o600))
	if _, err := LoadWalletFile(path); err == nil {
		t.Fatal("want error for malformed file")
	}

	short := filepath.Join(t.TempDir(), "short.json")
	require.NoError(t, os.WriteFile(short, []byte(`[1,2,3]`), 0o600))
	_, err := LoadWalletFile(short)
	require.ErrorIs(t, err, errBadKeyLength)
}

func TestLoadWalletBase64(t *testing.T) {
	pub, secret := testSecret(t)

	w, err := LoadWalletBase64(base64.StdEncoding.EncodeToString(secret))
	require.NoError(t, err)
	require.Equal(t, base58.Encode(pub), w.Address())

	if _, err := LoadWalletBase64("%%%not-base64%%%"); err == nil {
		t.Fatal("want error for invalid base64")
	}
}

func TestWalletFromSeed(t *testing.T) {
	// A 32-byte seed is accepted and expands to the same key.
	_, secret := testSecret(t)
	seed := ed25519.PrivateKey(secret).Seed()

	full, err := walletFromSecret(secret)
	require.NoError(t, err)
	fromSeed, err := walletFromSecret(seed)
	require.NoError(t, err)
	require.Equal(t, full.Address(), fromSeed.Address())
}

func TestWalletRejectsInconsistentHalves(t *testing.T) {
	_, a := testSecret(t)
	pubB, _ := testSecret(t)

	mixed := make([]byte, ed25519.PrivateKeySize)
	copy(mixed, a[:ed25519.SeedSize])
	copy(mixed[ed25519.SeedSize:], pubB)

	if _, err := walletFromSecret(mixed); err == nil {
		t.Fatal("want error for mismatched key halves")
	}
}

func TestNewPositionKeypair(t *testing.T) {
	k1, err := NewPositionKeypair()
	require.NoError(t, err)
	k2, err := NewPositionKeypair()
	require.NoError(t, err)

	require.NotEqual(t, k1.Address(), k2.Address())

	pub, err := base58.Decode(k1.Address())
	require.NoError(t, err)
	msg := []byte("position account")
	require.True(t, ed25519.Verify(ed25519.PublicKey(pub), msg, k1.Sign(msg)))
}
