// ABOUTME: Shared store errors and enums for tunnelward persistence
// ABOUTME: Errors carry apperr kinds so callers can map them without string checks

package store

import (
	"context"

	"github.com/2389/tunnelward/internal/apperr"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = apperr.New(apperr.KindNotFound, "not found")

	// ErrConflict is returned when a uniqueness constraint is violated.
	ErrConflict = apperr.New(apperr.KindConflict, "already exists")

	// ErrVersionConflict is returned when an optimistic concurrency check fails.
	ErrVersionConflict = apperr.New(apperr.KindConflict, "concurrent modification, retry")

	// ErrInUse is returned when deleting an entity still referenced by others.
	ErrInUse = apperr.New(apperr.KindConflict, "still in use")
)

func notFound(what string) error {
	return &apperr.Error{Kind: apperr.KindNotFound, Message: what + " not found", Err: ErrNotFound}
}

func conflict(msg string) error {
	return &apperr.Error{Kind: apperr.KindConflict, Message: msg, Err: ErrConflict}
}

func inUse(msg string) error {
	return &apperr.Error{Kind: apperr.KindConflict, Message: msg, Err: ErrInUse}
}

func unavailable(op string, err error) error {
	return apperr.Wrap(apperr.KindUnavailable, op, err)
}

// Transport is the tunnel transport protocol.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// CryptoProfile selects the cipher suite and key algorithms for a tunnel.
type CryptoProfile string

const (
	CryptoModern     CryptoProfile = "modern"
	CryptoFIPS       CryptoProfile = "fips"
	CryptoCompatible CryptoProfile = "compatible"
)

// AllCryptoProfiles lists every profile the engine knows how to render.
var AllCryptoProfiles = []CryptoProfile{CryptoModern, CryptoFIPS, CryptoCompatible}

func (s *SQLiteStore) validateProfile(p CryptoProfile) error {
	for _, allowed := range s.allowedProfiles {
		if p == allowed {
			return nil
		}
	}
	return invalidf("crypto profile %q is not allowed (allowed: %v)", p, s.allowedProfiles)
}

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
