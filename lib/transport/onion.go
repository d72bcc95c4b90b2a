// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const onionVersion = 0x03

var onionEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// OnionAddress returns the v3 onion host ("<56 chars>.onion") of the
// ed25519 key generated from seed.
func OnionAddress(seed []byte) (string, error) {
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("overlay seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	public := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return onionFromPublicKey(public), nil
}

func onionFromPublicKey(public ed25519.PublicKey) string {
	checksumInput := make([]byte, 0, 15+ed25519.PublicKeySize+1)
	checksumInput = append(checksumInput, ".onion checksum"...)
	checksumInput = append(checksumInput, public...)
	checksumInput = append(checksumInput, onionVersion)
	checksum := sha3.Sum256(checksumInput)

	raw := make([]byte, 0, ed25519.PublicKeySize+3)
	raw = append(raw, public...)
	raw = append(raw, checksum[:2]...)
	raw = append(raw, onionVersion)
	return strings.ToLower(onionEncoding.EncodeToString(raw)) + ".onion"
}

// ValidOnion reports whether host is a well-formed v3 onion host with a
// correct checksum.
func ValidOnion(host string) bool {
	label, found := strings.CutSuffix(strings.ToLower(host), ".onion")
	if !found || len(label) != 56 {
		return false
	}
	raw, err := onionEncoding.DecodeString(strings.ToUpper(label))
	if err != nil || len(raw) != ed25519.PublicKeySize+3 || raw[len(raw)-1] != onionVersion {
		return false
	}
	return onionFromPublicKey(raw[:ed25519.PublicKeySize]) == strings.ToLower(host)
}

// expandedKey is the 64-byte ed25519 secret key in the form Tor's
// ADD_ONION ED25519-V3 key blob expects: the clamped SHA-512 of the
// seed.
func expandedKey(seed []byte) [64]byte {
	expanded := sha512.Sum512(seed)
	expanded[0] &= 248
	expanded[31] &= 127
	expanded[31] |= 64
	return expanded
}
