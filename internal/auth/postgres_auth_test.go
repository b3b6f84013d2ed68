package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/wardenlabs/hostguard/internal/store"
)

// testAPIKey is the raw API key used in tests. Must start with "hgk_" and be >= 8 chars.
const testAPIKey = "hgk_test_valid_key_1234567890abcdef"

// testHash returns a bcrypt hash of testAPIKey using MinCost (fast for tests).
func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

// mockStore implements ExtensionStore for testing.
type mockStore struct {
	ext       *store.Extension
	err       error
	callCount atomic.Int32
}

func (m *mockStore) LookupByPrefix(_ context.Context, _ string) (*store.Extension, error) {
	m.callCount.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.ext, nil
}

func TestPostgresAuth_CacheMiss_ValidKey(t *testing.T) {
	st := &mockStore{
		ext: &store.Extension{
			ID:         "ext_abc",
			Name:       "file-helper",
			APIKeyHash: testHash(t),
			Profile:    "standard",
		},
	}
	cache := NewAuthCache(1 * time.Minute)
	a := newPostgresAuthenticatorWithStore(st, cache, zap.NewNop())

	ext, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if ext.ExtensionID != "ext_abc" {
		t.Errorf("expected extension ID ext_abc, got %s", ext.ExtensionID)
	}
	if ext.Profile != "standard" {
		t.Errorf("expected profile standard, got %s", ext.Profile)
	}
	if st.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", st.callCount.Load())
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	st := &mockStore{
		ext: &store.Extension{
			ID:         "ext_abc",
			APIKeyHash: testHash(t),
			Profile:    "standard",
		},
	}
	cache := NewAuthCache(1 * time.Minute)
	a := newPostgresAuthenticatorWithStore(st, cache, zap.NewNop())

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if st.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call (second served from cache), got %d", st.callCount.Load())
	}
}

func TestPostgresAuth_WrongKey_Rejected(t *testing.T) {
	st := &mockStore{
		ext: &store.Extension{
			ID:         "ext_abc",
			APIKeyHash: testHash(t),
		},
	}
	a := newPostgresAuthenticatorWithStore(st, NewAuthCache(time.Minute), zap.NewNop())

	// Same prefix, wrong key — bcrypt verify must fail.
	_, err := a.Authenticate(context.Background(), "hgk_test_wrong_key_00000000000000000")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestPostgresAuth_ExtensionNotFound(t *testing.T) {
	st := &mockStore{} // LookupByPrefix returns nil, nil
	a := newPostgresAuthenticatorWithStore(st, NewAuthCache(time.Minute), zap.NewNop())

	_, err := a.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestPostgresAuth_DBDown_ReturnsUnavailable(t *testing.T) {
	st := &mockStore{err: errors.New("connection refused")}
	a := newPostgresAuthenticatorWithStore(st, NewAuthCache(time.Minute), zap.NewNop())

	_, err := a.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("expected ErrAuthUnavailable, got %v", err)
	}
}

func TestPostgresAuth_BadFormat_NoLookup(t *testing.T) {
	cases := []string{"", "hgk", "sk_wrong_scheme_key", "Bearer hgk_x"}
	for _, key := range cases {
		st := &mockStore{}
		a := newPostgresAuthenticatorWithStore(st, NewAuthCache(time.Minute), zap.NewNop())

		_, err := a.Authenticate(context.Background(), key)
		if !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("key %q: expected ErrInvalidAPIKey, got %v", key, err)
		}
		if st.callCount.Load() != 0 {
			t.Errorf("key %q: format rejection must not hit the DB", key)
		}
	}
}

func TestPostgresAuth_StaleHit_ServesStaleAndRefreshes(t *testing.T) {
	st := &mockStore{
		ext: &store.Extension{
			ID:         "ext_abc",
			APIKeyHash: testHash(t),
			Profile:    "standard",
		},
	}
	cache := NewAuthCache(1 * time.Millisecond)
	a := newPostgresAuthenticatorWithStore(st, cache, zap.NewNop())

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("warm-up call: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // let the entry expire

	// Stale hit: the caller still gets an answer immediately.
	ext, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("stale call: %v", err)
	}
	if ext.ExtensionID != "ext_abc" {
		t.Errorf("stale hit returned wrong extension: %s", ext.ExtensionID)
	}

	// Background refresh should land a second DB call.
	deadline := time.Now().Add(2 * time.Second)
	for st.callCount.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st.callCount.Load() < 2 {
		t.Error("expected a background refresh DB call after a stale hit")
	}
}
