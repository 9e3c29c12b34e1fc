package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisLimiter(t *testing.T, limit int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisLimiter(client, "heartbeat:", limit, window), mr
}

func TestRedisLimiter_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("Allows_Up_To_Limit", func(t *testing.T) {
		limiter, _ := setupRedisLimiter(t, 3, time.Minute)

		for i := 0; i < 3; i++ {
			allowed, err := limiter.Allow(ctx, "student-1:10")
			if err != nil {
				t.Fatalf("Allow failed: %v", err)
			}
			if !allowed {
				t.Fatalf("Request %d should be allowed", i+1)
			}
		}

		allowed, err := limiter.Allow(ctx, "student-1:10")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if allowed {
			t.Error("Request over the limit should be denied")
		}
	})

	t.Run("Keys_Are_Independent", func(t *testing.T) {
		limiter, _ := setupRedisLimiter(t, 1, time.Minute)

		if allowed, _ := limiter.Allow(ctx, "student-1:10"); !allowed {
			t.Fatal("First key should be allowed")
		}
		if allowed, _ := limiter.Allow(ctx, "student-1:10"); allowed {
			t.Fatal("First key should now be exhausted")
		}

		// Same student, different test
		if allowed, _ := limiter.Allow(ctx, "student-1:11"); !allowed {
			t.Error("Second key must have its own window")
		}
		// Different student, same test
		if allowed, _ := limiter.Allow(ctx, "student-2:10"); !allowed {
			t.Error("Third key must have its own window")
		}
	})

	t.Run("Window_Slides", func(t *testing.T) {
		limiter, _ := setupRedisLimiter(t, 2, 100*time.Millisecond)

		for i := 0; i < 2; i++ {
			if allowed, _ := limiter.Allow(ctx, "k"); !allowed {
				t.Fatalf("Request %d should be allowed", i+1)
			}
		}
		if allowed, _ := limiter.Allow(ctx, "k"); allowed {
			t.Fatal("Window should be full")
		}

		time.Sleep(120 * time.Millisecond)

		if allowed, err := limiter.Allow(ctx, "k"); err != nil || !allowed {
			t.Errorf("Expected window to have slid, allowed=%v err=%v", allowed, err)
		}
	})

	t.Run("Redis_Down_Returns_Error", func(t *testing.T) {
		limiter, mr := setupRedisLimiter(t, 3, time.Minute)
		mr.Close()

		_, err := limiter.Allow(ctx, "k")
		if err == nil {
			t.Error("Expected error when Redis is unavailable")
		}
	})
}

func TestMemoryLimiter_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("Allows_Up_To_Limit", func(t *testing.T) {
		limiter := NewMemoryLimiter(3, time.Minute)

		for i := 0; i < 3; i++ {
			allowed, err := limiter.Allow(ctx, "student-1:10")
			if err != nil {
				t.Fatalf("Allow failed: %v", err)
			}
			if !allowed {
				t.Fatalf("Request %d should be allowed", i+1)
			}
		}

		if allowed, _ := limiter.Allow(ctx, "student-1:10"); allowed {
			t.Error("Request over the limit should be denied")
		}
	})

	t.Run("Keys_Are_Independent", func(t *testing.T) {
		limiter := NewMemoryLimiter(1, time.Minute)

		if allowed, _ := limiter.Allow(ctx, "a"); !allowed {
			t.Fatal("First key should be allowed")
		}
		if allowed, _ := limiter.Allow(ctx, "b"); !allowed {
			t.Error("Second key must have its own window")
		}
	})

	t.Run("Window_Slides", func(t *testing.T) {
		limiter := NewMemoryLimiter(1, 50*time.Millisecond)

		if allowed, _ := limiter.Allow(ctx, "k"); !allowed {
			t.Fatal("First request should be allowed")
		}
		if allowed, _ := limiter.Allow(ctx, "k"); allowed {
			t.Fatal("Window should be full")
		}

		time.Sleep(70 * time.Millisecond)

		if allowed, _ := limiter.Allow(ctx, "k"); !allowed {
			t.Error("Expected window to have slid")
		}
	})

	t.Run("Idle_Keys_Are_Dropped", func(t *testing.T) {
		limiter := NewMemoryLimiter(5, 50*time.Millisecond)

		for i := 0; i < 100; i++ {
			key := "student-" + string(rune('a'+i%26)) + ":" + string(rune('0'+i%10))
			limiter.Allow(ctx, key)
		}

		time.Sleep(70 * time.Millisecond)

		// The first request after the window triggers the sweep
		limiter.Allow(ctx, "fresh")

		limiter.mu.Lock()
		size := len(limiter.hits)
		limiter.mu.Unlock()

		if size > 1 {
			t.Errorf("Expected idle keys to be swept, %d keys remain", size)
		}
	})

	t.Run("Concurrent_Access", func(t *testing.T) {
		limiter := NewMemoryLimiter(50, time.Minute)

		done := make(chan bool)
		allowed := make(chan bool, 100)
		for i := 0; i < 100; i++ {
			go func() {
				ok, _ := limiter.Allow(ctx, "shared")
				allowed <- ok
				done <- true
			}()
		}
		for i := 0; i < 100; i++ {
			<-done
		}
		close(allowed)

		count := 0
		for ok := range allowed {
			if ok {
				count++
			}
		}
		if count != 50 {
			t.Errorf("Expected exactly 50 allowed, got %d", count)
		}
	})
}
