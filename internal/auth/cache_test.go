package auth

import (
	"sync"
	"testing"
	"time"
)

func TestCache_FreshHit(t *testing.T) {
	cache := NewAuthCache(1 * time.Minute)
	ext := &ExtensionContext{ExtensionID: "ext_1", Profile: "standard"}

	cache.Set("hgk_abc123", ext)

	result := cache.Get("hgk_abc123")
	if !result.Hit {
		t.Fatal("expected cache hit")
	}
	if result.NeedsRefresh {
		t.Error("fresh entry should not need refresh")
	}
	if result.Extension.ExtensionID != "ext_1" {
		t.Errorf("expected ext_1, got %s", result.Extension.ExtensionID)
	}
}

func TestCache_Miss(t *testing.T) {
	cache := NewAuthCache(1 * time.Minute)

	result := cache.Get("hgk_nonexistent")
	if result.Hit {
		t.Error("expected cache miss")
	}
	if result.Extension != nil {
		t.Error("expected nil extension on miss")
	}
	if result.NeedsRefresh {
		t.Error("miss should not need refresh")
	}
}

func TestCache_StaleHit_ReturnsValueAndSignalsRefresh(t *testing.T) {
	cache := NewAuthCache(1 * time.Millisecond) // Very short TTL
	ext := &ExtensionContext{ExtensionID: "ext_1", Profile: "safe"}

	cache.Set("hgk_abc123", ext)
	time.Sleep(5 * time.Millisecond) // Wait for expiration

	result := cache.Get("hgk_abc123")
	if !result.Hit {
		t.Fatal("expected stale hit")
	}
	if !result.NeedsRefresh {
		t.Error("expired entry should signal refresh")
	}
	if result.Extension.ExtensionID != "ext_1" {
		t.Error("stale hit should still return the extension")
	}
}

func TestCache_OnlyOneRefresherPerKey(t *testing.T) {
	cache := NewAuthCache(1 * time.Millisecond)
	cache.Set("hgk_abc123", &ExtensionContext{ExtensionID: "ext_1"})
	time.Sleep(5 * time.Millisecond)

	// Many concurrent stale reads: exactly one should win the refresh flag.
	const readers = 32
	var wg sync.WaitGroup
	refreshers := make(chan struct{}, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.Get("hgk_abc123").NeedsRefresh {
				refreshers <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(refreshers)

	count := 0
	for range refreshers {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly 1 refresher, got %d", count)
	}
}

func TestCache_SetResetsExpiry(t *testing.T) {
	cache := NewAuthCache(1 * time.Millisecond)
	cache.Set("hgk_abc123", &ExtensionContext{ExtensionID: "ext_1"})
	time.Sleep(5 * time.Millisecond)

	// Re-set after expiry: the entry is fresh again and the refresh flag is clear.
	cache.Set("hgk_abc123", &ExtensionContext{ExtensionID: "ext_1"})
	result := cache.Get("hgk_abc123")
	if !result.Hit || result.NeedsRefresh {
		t.Errorf("re-set entry should be fresh: hit=%v needsRefresh=%v", result.Hit, result.NeedsRefresh)
	}
}

func TestCache_Delete(t *testing.T) {
	cache := NewAuthCache(1 * time.Minute)
	cache.Set("hgk_abc123", &ExtensionContext{ExtensionID: "ext_1"})
	cache.Delete("hgk_abc123")

	if cache.Get("hgk_abc123").Hit {
		t.Error("deleted entry should miss")
	}
}
