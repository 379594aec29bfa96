package nonce

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerateAndAddNonce_Format(t *testing.T) {
	m := NewManager()

	m.GenerateAndAddNonce()
	value := m.GetLatestNonce()

	if len(value) != Length {
		t.Fatalf("nonce length = %d, want %d", len(value), Length)
	}
	for _, c := range value {
		if !strings.ContainsRune(alphabet, c) {
			t.Errorf("nonce contains %q, not in the unreserved alphabet", c)
		}
	}
}

func TestGenerateAndAddNonce_Distinct(t *testing.T) {
	m := NewManager()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		m.GenerateAndAddNonce()
		v := m.GetLatestNonce()
		if seen[v] {
			t.Fatalf("duplicate nonce generated: %q", v)
		}
		seen[v] = true
	}
}

func TestValidateNonce(t *testing.T) {
	now := time.Now()
	m := NewManager(withNow(func() time.Time { return now }))

	m.AddNonce("known-nonce", now.Add(time.Minute))

	if !m.ValidateNonce("known-nonce") {
		t.Error("ValidateNonce(known) = false, want true")
	}
	if m.ValidateNonce("unknown-nonce") {
		t.Error("ValidateNonce(unknown) = true, want false")
	}
}

func TestValidateNonce_DoesNotConsume(t *testing.T) {
	now := time.Now()
	m := NewManager(withNow(func() time.Time { return now }))

	m.AddNonce("reusable", now.Add(time.Minute))

	for i := 0; i < 3; i++ {
		if !m.ValidateNonce("reusable") {
			t.Fatalf("ValidateNonce() attempt %d = false, want true", i+1)
		}
	}
}

func TestValidateNonce_Expired(t *testing.T) {
	now := time.Now()
	m := NewManager(withNow(func() time.Time { return now }))

	m.AddNonce("short-lived", now.Add(time.Minute))
	if !m.ValidateNonce("short-lived") {
		t.Fatal("ValidateNonce() = false before expiry, want true")
	}

	// Advance past the expiry. Expiry is strict: a nonce expiring exactly
	// now is already invalid.
	now = now.Add(time.Minute)
	if m.ValidateNonce("short-lived") {
		t.Error("ValidateNonce() = true at expiry instant, want false")
	}
}

func TestCleanExpiredNonces(t *testing.T) {
	now := time.Now()
	m := NewManager(withNow(func() time.Time { return now }))

	m.AddNonce("old-1", now.Add(1*time.Minute))
	m.AddNonce("old-2", now.Add(2*time.Minute))
	m.AddNonce("live", now.Add(10*time.Minute))

	now = now.Add(5 * time.Minute)
	m.CleanExpiredNonces()

	if got := m.Len(); got != 1 {
		t.Errorf("Len() after clean = %d, want 1", got)
	}
	if !m.ValidateNonce("live") {
		t.Error("live nonce was evicted")
	}

	// Cleaning again removes nothing.
	m.CleanExpiredNonces()
	if got := m.Len(); got != 1 {
		t.Errorf("Len() after second clean = %d, want 1", got)
	}
}

func TestGetLatestNonce(t *testing.T) {
	now := time.Now()
	m := NewManager(withNow(func() time.Time { return now }))

	if got := m.GetLatestNonce(); got != "" {
		t.Errorf("GetLatestNonce() on empty store = %q, want \"\"", got)
	}

	m.AddNonce("first", now.Add(10*time.Minute))
	m.AddNonce("second", now.Add(10*time.Minute))

	if got := m.GetLatestNonce(); got != "second" {
		t.Errorf("GetLatestNonce() = %q, want \"second\"", got)
	}
}

func TestGetLatestNonce_SkipsExpired(t *testing.T) {
	now := time.Now()
	m := NewManager(withNow(func() time.Time { return now }))

	m.AddNonce("live", now.Add(10*time.Minute))
	m.AddNonce("already-expired", now.Add(-time.Minute))

	if got := m.GetLatestNonce(); got != "live" {
		t.Errorf("GetLatestNonce() = %q, want \"live\"", got)
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(WithTTL(time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.GenerateAndAddNonce()
				m.ValidateNonce(m.GetLatestNonce())
				m.CleanExpiredNonces()
			}
		}()
	}
	wg.Wait()

	if m.GetLatestNonce() == "" {
		t.Error("GetLatestNonce() = \"\" after concurrent mints")
	}
}
