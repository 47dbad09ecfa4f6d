package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndConsumeRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "hash-1", "usr_123", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if ttl := s.TTL("refresh:hash-1"); ttl <= 0 || ttl > 24*time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	userID, err := store.ConsumeRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("ConsumeRefreshSession failed: %v", err)
	}
	if userID != "usr_123" {
		t.Errorf("expected usr_123, got %s", userID)
	}

	// A token can be spent once.
	if _, err := store.ConsumeRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on reuse, got %v", err)
	}
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	if err := store.SaveRefreshSession(ctx, "stolen", "usr_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		notFound int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeRefreshSession(ctx, "stolen")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrSessionNotFound):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || notFound != 15 {
		t.Fatalf("expected 1 winner and 15 misses, got %d and %d", winners, notFound)
	}
}

func TestConsumeExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "expired", "usr_456", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.ConsumeRefreshSession(ctx, "expired"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for expired token, got %v", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	for _, hash := range []string{"token-1", "token-2"} {
		if err := store.SaveRefreshSession(ctx, hash, "usr_"+hash, expiresAt); err != nil {
			t.Fatalf("SaveRefreshSession(%s) failed: %v", hash, err)
		}
	}
	if err := store.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "never-issued"); err != nil {
		t.Errorf("revoking an unknown token should not fail: %v", err)
	}

	if _, err := store.ConsumeRefreshSession(ctx, "token-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected revoked token-1 to be gone, got %v", err)
	}
	userID, err := store.ConsumeRefreshSession(ctx, "token-2")
	if err != nil || userID != "usr_token-2" {
		t.Fatalf("token-2 should survive revoking token-1: %q, %v", userID, err)
	}
}

func TestConsumeCorruptSession(t *testing.T) {
	store, s := setupTestRedis(t)
	if err := s.Set("refresh:broken", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.ConsumeRefreshSession(context.Background(), "broken"); err == nil || errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	if _, err := NewRedisStore("redis://" + addr); err == nil {
		t.Fatal("expected connection error")
	}
	if _, err := NewRedisStore("::not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}
