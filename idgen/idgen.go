// Package idgen generates identifiers for recorded operations and
// background contexts.
//
// Every constructor that mints IDs accepts a Generator so tests can pin
// them. The default is UUIDv7: a millisecond timestamp followed by random
// bits, which keeps operation IDs unique and sortable by capture time.
package idgen

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every ID of gen ("op_", "ctx_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a deterministic Generator ("prefix1", "prefix2", ...),
// meant for tests.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Time extracts the embedded timestamp of a UUIDv7 ID, ignoring any
// prefix added by Prefixed. ok is false for anything else.
func Time(id string) (t time.Time, ok bool) {
	if len(id) < 36 {
		return time.Time{}, false
	}
	u, err := uuid.Parse(id[len(id)-36:])
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}
