package resolve

import (
	"sync"
	"testing"
	"time"
)

func TestCache_SuccessHit(t *testing.T) {
	cache := NewCache(1*time.Minute, 0)
	cache.Put("192.0.2.1", Result{Address: "192.0.2.1", Source: SourceLocalDB, Country: "DE", OK: true})

	r, ok := cache.Get("192.0.2.1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if r.Country != "DE" || r.Source != SourceLocalDB {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestCache_Miss(t *testing.T) {
	cache := NewCache(1*time.Minute, 0)

	if _, ok := cache.Get("192.0.2.1"); ok {
		t.Error("expected cache miss")
	}
}

func TestCache_SuccessIsImmutable(t *testing.T) {
	cache := NewCache(1*time.Minute, 0)
	cache.Put("192.0.2.1", Result{Country: "DE", OK: true})
	cache.Put("192.0.2.1", Result{Country: "FR", OK: true})
	cache.Put("192.0.2.1", Result{OK: false})

	r, ok := cache.Get("192.0.2.1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if r.Country != "DE" || !r.OK {
		t.Errorf("first success should be kept, got %+v", r)
	}
}

func TestCache_SuccessOutlivesFailureTTL(t *testing.T) {
	cache := NewCache(1*time.Millisecond, 0)
	cache.Put("192.0.2.1", Result{Country: "DE", OK: true})
	time.Sleep(5 * time.Millisecond)

	if _, ok := cache.Get("192.0.2.1"); !ok {
		t.Error("successful results must not expire")
	}
}

func TestCache_FailureExpires(t *testing.T) {
	cache := NewCache(5*time.Millisecond, 0)
	cache.Put("192.0.2.1", Result{Source: SourceUnresolved, OK: false})

	r, ok := cache.Get("192.0.2.1")
	if !ok {
		t.Fatal("expected failure to be cached within the cooldown")
	}
	if r.OK {
		t.Error("expected cached failure")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := cache.Get("192.0.2.1"); ok {
		t.Error("expected failure to expire after the cooldown")
	}
}

func TestCache_SuccessReplacesFailure(t *testing.T) {
	cache := NewCache(1*time.Minute, 0)
	cache.Put("192.0.2.1", Result{OK: false})
	cache.Put("192.0.2.1", Result{Country: "NL", OK: true})

	r, _ := cache.Get("192.0.2.1")
	if !r.OK || r.Country != "NL" {
		t.Errorf("expected success to replace failure, got %+v", r)
	}
	resolved, failed := cache.Stats()
	if resolved != 1 || failed != 0 {
		t.Errorf("expected stats 1/0, got %d/%d", resolved, failed)
	}
}

func TestCache_FailureCapacity(t *testing.T) {
	cache := NewCache(1*time.Minute, 2)
	cache.Put("a", Result{})
	cache.Put("b", Result{})
	cache.Put("c", Result{})

	_, failed := cache.Stats()
	if failed != 2 {
		t.Errorf("expected failures bounded at 2, got %d", failed)
	}
	if _, ok := cache.Get("a"); ok {
		t.Error("oldest failure should have been evicted")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := NewCache(50*time.Millisecond, 0)

	var wg sync.WaitGroup
	// Hammer the cache from 100 goroutines simultaneously
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cache.Put("192.0.2.1", Result{Country: "SE", OK: true})
			if i%2 == 0 {
				cache.Put("192.0.2.2", Result{OK: false})
			}
			r, ok := cache.Get("192.0.2.1")
			if !ok || r.Country != "SE" {
				t.Error("expected hit during concurrent access")
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkCache_Get_Hit(b *testing.B) {
	cache := NewCache(5*time.Minute, 0)
	cache.Put("192.0.2.1", Result{Country: "US", OK: true})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, ok := cache.Get("192.0.2.1"); !ok {
				b.Fatal("expected hit")
			}
		}
	})
}
