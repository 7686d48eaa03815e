package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestInMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	if err := store.Set(ctx, "k1", "v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, found, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || value != "v1" {
		t.Fatalf("expected (v1, true), got (%q, %v)", value, found)
	}

	_, found, err = store.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("expected missing key to report found=false")
	}
}

func TestInMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	if err := store.SetWithTTL(ctx, "tok", "device-1", time.Minute); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}

	if _, found, _ := store.Get(ctx, "tok"); !found {
		t.Fatal("expected token to be live before expiry")
	}

	current = current.Add(time.Minute)
	if _, found, _ := store.Get(ctx, "tok"); found {
		t.Fatal("expected token to be gone at expiry instant")
	}
	if _, found, _ := store.GetAndDelete(ctx, "tok"); found {
		t.Fatal("expected expired token to not be redeemable")
	}
}

func TestInMemoryStoreRejectsNonPositiveTTL(t *testing.T) {
	store := NewInMemoryStore()
	err := store.SetWithTTL(context.Background(), "tok", "device-1", 0)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestInMemoryStoreGetAndDeleteSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	if err := store.Set(ctx, "tok", "device-1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	const redeemers = 64
	var wg sync.WaitGroup
	var winners sync.Map
	wg.Add(redeemers)
	for i := 0; i < redeemers; i++ {
		go func(i int) {
			defer wg.Done()
			if _, found, err := store.GetAndDelete(ctx, "tok"); err == nil && found {
				winners.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	winners.Range(func(_, _ any) bool {
		count++
		return true
	})
	if count != 1 {
		t.Fatalf("expected exactly one winner, got %d", count)
	}
}

func TestInMemoryStorePushCappedTruncates(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	for i := 0; i < 5; i++ {
		if err := store.PushCapped(ctx, "list", fmt.Sprintf("entry-%d", i), 3); err != nil {
			t.Fatalf("PushCapped failed: %v", err)
		}
	}

	entries, err := store.ListRange(ctx, "list", 0)
	if err != nil {
		t.Fatalf("ListRange failed: %v", err)
	}
	want := []string{"entry-4", "entry-3", "entry-2"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, entry := range entries {
		if entry != want[i] {
			t.Fatalf("entry %d: expected %q, got %q", i, want[i], entry)
		}
	}
}

func TestInMemoryStoreListRangeLimit(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	for i := 0; i < 4; i++ {
		if err := store.PushCapped(ctx, "list", fmt.Sprintf("entry-%d", i), 10); err != nil {
			t.Fatalf("PushCapped failed: %v", err)
		}
	}

	entries, err := store.ListRange(ctx, "list", 2)
	if err != nil {
		t.Fatalf("ListRange failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0] != "entry-3" {
		t.Fatalf("expected newest entry first, got %q", entries[0])
	}
}

func TestBuildStoreFromDSN(t *testing.T) {
	cases := []struct {
		dsn     string
		wantErr error
	}{
		{dsn: "memory://", wantErr: nil},
		{dsn: "mem://", wantErr: nil},
		{dsn: "redis://localhost:6379/0", wantErr: ErrNotImplemented},
		{dsn: "mysql://localhost/db", wantErr: errUnsupportedScheme},
	}
	for _, tc := range cases {
		store, err := BuildStoreFromDSN(tc.dsn)
		if tc.wantErr == nil {
			if err != nil {
				t.Fatalf("BuildStoreFromDSN(%q) failed: %v", tc.dsn, err)
			}
			if _, ok := store.(*InMemoryStore); !ok {
				t.Fatalf("BuildStoreFromDSN(%q): expected in-memory store, got %T", tc.dsn, store)
			}
			continue
		}
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("BuildStoreFromDSN(%q): expected %v, got %v", tc.dsn, tc.wantErr, err)
		}
	}
}
