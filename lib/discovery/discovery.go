// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/eddi-project/eddi/lib/protocol"
)

const (
	// BucketSeconds is the width of one time bucket.
	BucketSeconds = 60

	// DefaultWindow is the default skew tolerance in minutes.
	DefaultWindow = 5

	// MaxWindow bounds the search so a typo cannot trigger thousands
	// of lookups.
	MaxWindow = 60
)

// ID is a broker's derived identifier: 32 lowercase hex characters.
type ID string

// String returns the identifier.
func (id ID) String() string { return string(id) }

// Valid reports whether id has the shape DeriveID produces. Used before
// an identifier from the State Store or the command line becomes part
// of a socket path.
func (id ID) Valid() bool {
	if len(id) != 32 {
		return false
	}
	for _, character := range id {
		if !(character >= '0' && character <= '9' || character >= 'a' && character <= 'f') {
			return false
		}
	}
	return true
}

// NormalizeNamespace trims surrounding whitespace and lower-cases.
func NormalizeNamespace(namespace string) string {
	return strings.ToLower(strings.TrimSpace(namespace))
}

// NormalizeCode upper-cases code and drops hyphens and whitespace.
func NormalizeCode(code string) string {
	var builder strings.Builder
	builder.Grow(len(code))
	for _, character := range strings.ToUpper(code) {
		switch character {
		case '-', ' ', '\t', '\n', '\r':
			continue
		}
		builder.WriteRune(character)
	}
	return builder.String()
}

// TimeBucket returns floor(unix(t)/60)*60.
func TimeBucket(t time.Time) int64 {
	seconds := t.Unix()
	remainder := seconds % BucketSeconds
	if remainder < 0 {
		remainder += BucketSeconds
	}
	return seconds - remainder
}

// DeriveID returns the identifier a broker created at t listens under.
func DeriveID(namespace, code string, t time.Time) ID {
	return deriveForBucket(NormalizeNamespace(namespace), NormalizeCode(code), TimeBucket(t))
}

func deriveForBucket(namespace, code string, bucket int64) ID {
	var encodedBucket [8]byte
	binary.LittleEndian.PutUint64(encodedBucket[:], uint64(bucket))

	hash := sha256.New()
	hash.Write([]byte(namespace))
	hash.Write(encodedBucket[:])
	hash.Write([]byte(code))
	sum := hash.Sum(nil)
	return ID(hex.EncodeToString(sum[:16]))
}

// Candidate is one identifier to try during a search.
type Candidate struct {
	ID ID
	// Bucket is the Unix second the identifier was derived for.
	Bucket int64
	// Offset is the distance from the current bucket in minutes.
	Offset int
}

// Candidates returns the 2*window+1 identifiers covering window minutes
// either side of now, nearest first: offsets 0, -1, +1, -2, +2, ...
// A negative window is treated as zero.
func Candidates(namespace, code string, now time.Time, window int) []Candidate {
	window = max(window, 0)
	namespace = NormalizeNamespace(namespace)
	code = NormalizeCode(code)
	center := TimeBucket(now)

	candidates := make([]Candidate, 0, 2*window+1)
	add := func(offset int) {
		bucket := center + int64(offset)*BucketSeconds
		candidates = append(candidates, Candidate{
			ID:     deriveForBucket(namespace, code, bucket),
			Bucket: bucket,
			Offset: offset,
		})
	}
	add(0)
	for distance := 1; distance <= window; distance++ {
		add(-distance)
		add(distance)
	}
	return candidates
}

// LookupFunc resolves one candidate. It returns found=false when no
// broker answers under that identifier. An error is treated as a miss
// for that candidate; the search continues.
type LookupFunc[T any] func(ctx context.Context, candidate Candidate) (result T, found bool, err error)

// Search calls lookup once per candidate, in order, and returns the
// first hit. When nothing resolves it returns an error matching
// protocol.ErrBrokerNotFound that carries the last lookup error, if
// any. Only context cancellation ends the search early.
func Search[T any](ctx context.Context, candidates []Candidate, lookup LookupFunc[T]) (T, Candidate, error) {
	var zero T
	var lastErr error
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return zero, Candidate{}, err
		}
		result, found, err := lookup(ctx, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if found {
			return result, candidate, nil
		}
	}
	if lastErr != nil {
		return zero, Candidate{}, fmt.Errorf("%w after %d candidates (last error: %v)",
			protocol.ErrBrokerNotFound, len(candidates), lastErr)
	}
	return zero, Candidate{}, fmt.Errorf("%w after %d candidates", protocol.ErrBrokerNotFound, len(candidates))
}

// OverlaySeed derives the ed25519 seed of the onion service a broker
// with this identifier publishes. Anyone holding the code can derive
// it, which is what lets clients compute the onion address.
func OverlaySeed(id ID) [32]byte {
	hash := sha256.New()
	hash.Write([]byte("eddi broker overlay key v1\x00"))
	hash.Write([]byte(id))
	var seed [32]byte
	copy(seed[:], hash.Sum(nil))
	return seed
}
