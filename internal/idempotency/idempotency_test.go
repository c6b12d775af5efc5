package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryStoreLookupMiss(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, ok, err := s.Lookup(ctx, "unknown"); err != nil || ok {
		t.Fatalf("Lookup(unknown) = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestMemoryStoreEmptyKeyNeverReplays(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Remember(ctx, "", Record{StatusCode: 200}); err != nil {
		t.Fatalf("Remember(\"\") returned error: %v", err)
	}
	if _, ok, _ := s.Lookup(ctx, ""); ok {
		t.Fatalf("Lookup(\"\") returned ok=true, an empty key must never replay")
	}
}

func TestMemoryStoreRememberAndReplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := Record{StatusCode: 201, Body: json.RawMessage(`{"id":"ride-1"}`)}

	if err := s.Remember(ctx, "key-1", rec); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	got, ok, err := s.Lookup(ctx, "key-1")
	if err != nil || !ok {
		t.Fatalf("Lookup(key-1) = (ok=%v, err=%v), want (true, nil)", ok, err)
	}
	if got.StatusCode != 201 {
		t.Errorf("StatusCode = %d, want 201", got.StatusCode)
	}
	if string(got.Body) != string(rec.Body) {
		t.Errorf("Body = %s, want %s", got.Body, rec.Body)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.entries["key-1"] = memEntry{
		rec:    Record{StatusCode: 200},
		expiry: time.Now().Add(-time.Minute),
	}

	if _, ok, _ := s.Lookup(ctx, "key-1"); ok {
		t.Fatalf("Lookup() on expired entry returned ok=true")
	}
}
