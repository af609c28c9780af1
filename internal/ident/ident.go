// Package ident generates the ULIDs that label driver runs and dispatch
// events. ULIDs sort by creation time, which keeps event streams and logs
// from several drivers easy to merge.
//
// Task ids are not ULIDs: a Scheduler numbers its own tasks 1, 2, 3, ...
package ident

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// monoEntropy is shared by every NewID call so ids minted within the same
// millisecond still sort in creation order.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh ULID string.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", fmt.Errorf("ident: generate: %w", err)
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("ident.MustNewID: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	if _, err := ulid.ParseStrict(s); err != nil {
		return fmt.Errorf("ident: %q: %w", s, err)
	}
	return nil
}

// Time returns the millisecond timestamp embedded in a ULID.
func Time(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ident: %q: %w", s, err)
	}
	return ulid.Time(id.Time()), nil
}
