package ident_test

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/deferq/internal/ident"
)

func TestNewID_IsValidULID(t *testing.T) {
	id, err := ident.NewID()
	if err != nil {
		t.Fatalf("NewID() error: %v", err)
	}
	if len(id) != 26 {
		t.Errorf("ULID should be 26 chars, got %d: %s", len(id), id)
	}
	if err := ident.Validate(id); err != nil {
		t.Errorf("Validate(%s): %v", id, err)
	}
}

func TestNewID_Monotonic(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = ident.MustNewID()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("ids generated in sequence should sort in creation order")
	}
}

func TestNewID_UniqueUnderConcurrency(t *testing.T) {
	const workers, per = 8, 100

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*per)
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range per {
				id := ident.MustNewID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*per {
		t.Errorf("expected %d unique ids, got %d", workers*per, len(seen))
	}
}

func TestValidate_RejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "not-a-ulid", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if err := ident.Validate(bad); err == nil {
			t.Errorf("Validate(%q): expected error", bad)
		}
	}
}

func TestTime_RoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	id := ident.MustNewID()
	after := time.Now().Add(time.Millisecond)

	ts, err := ident.Time(id)
	if err != nil {
		t.Fatalf("Time(%s): %v", id, err)
	}
	if ts.Before(before) || ts.After(after) {
		t.Errorf("embedded time %v outside [%v, %v]", ts, before, after)
	}
}
