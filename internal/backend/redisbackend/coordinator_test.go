package redisbackend

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"ratefleet/internal/backend"
	"ratefleet/internal/domain"
)

func TestFairShareDistributesRemainderLexicographically(t *testing.T) {
	ids := []string{"a", "b", "c"}
	got := fairShare(10, ids)
	// floor(10/3)=3, remainder=1 -> "a" gets 4, "b" and "c" get 3.
	if got["a"] != 4 || got["b"] != 3 || got["c"] != 3 {
		t.Fatalf("fairShare(10, 3 instances) = %v, want a=4 b=3 c=3", got)
	}
	sum := got["a"] + got["b"] + got["c"]
	if sum != 10 {
		t.Fatalf("expected shares to sum to budget exactly, got %d", sum)
	}
}

func TestFairShareEvenSplit(t *testing.T) {
	got := fairShare(9, []string{"x", "y", "z"})
	for _, v := range got {
		if v != 3 {
			t.Fatalf("expected an even 3-way split of 9, got %v", got)
		}
	}
}

func TestFairShareNoInstances(t *testing.T) {
	got := fairShare(100, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty share map for zero instances, got %v", got)
	}
}

func TestAtoiOrFallback(t *testing.T) {
	if got := atoiOr("", 42); got != 42 {
		t.Fatalf("atoiOr empty string = %d, want fallback 42", got)
	}
	if got := atoiOr("not-a-number", 7); got != 7 {
		t.Fatalf("atoiOr malformed string = %d, want fallback 7", got)
	}
	if got := atoiOr("15", 0); got != 15 {
		t.Fatalf("atoiOr(\"15\") = %d, want 15", got)
	}
}

// TestCoordinatorRegisterAcquireRelease is an integration test against a
// real Redis instance, skipped unless RATEFLEET_TEST_REDIS_ADDR is set
// (e.g. "localhost:6379"), matching the pack's convention of gating
// external-service tests on an env var rather than faking the backend.
func TestCoordinatorRegisterAcquireRelease(t *testing.T) {
	addr := os.Getenv("RATEFLEET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RATEFLEET_TEST_REDIS_ADDR not set, skipping Redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ns := "ratefleet-test:" + time.Now().Format("150405.000") + ":"
	coord := New(Config{
		Client:                 client,
		Namespace:              ns,
		TotalCapacity:          4,
		TotalTokensPerMinute:   1000,
		TotalRequestsPerMinute: 100,
		HeartbeatInterval:      time.Hour, // don't let background heartbeats interfere
		CleanupInterval:        time.Hour,
	})

	ctx := context.Background()
	alloc, err := coord.Register(ctx, "instance-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if alloc.Slots != 4 {
		t.Fatalf("expected sole instance to receive the full 4 slots, got %d", alloc.Slots)
	}

	ok, err := coord.Acquire(ctx, backend.AcquireRequest{InstanceID: "instance-1", ModelID: "gpt", Estimated: domain.ResourceEstimate{Tokens: 10, Requests: 1}})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Fatalf("expected Acquire to admit within the sole instance's full allocation")
	}

	if err := coord.Release(ctx, backend.ReleaseRequest{InstanceID: "instance-1", ModelID: "gpt"}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := coord.Unregister(ctx, "instance-1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
}

// TestCleanupSweepEvictsDeadInstance exercises the heartbeat-cleanup sweep
// mandated for dead-instance eviction: an instance whose heartbeat has gone
// stale must be dropped from membership and the budget redistributed among
// the survivors, without waiting on StartCleanupSweeper's ticker.
func TestCleanupSweepEvictsDeadInstance(t *testing.T) {
	addr := os.Getenv("RATEFLEET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RATEFLEET_TEST_REDIS_ADDR not set, skipping Redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ns := "ratefleet-test:" + time.Now().Format("150405.000") + ":"
	newCoord := func() *Coordinator {
		return New(Config{
			Client:                 client,
			Namespace:              ns,
			TotalCapacity:          8,
			TotalTokensPerMinute:   1000,
			TotalRequestsPerMinute: 100,
			HeartbeatInterval:      time.Hour,
			CleanupInterval:        time.Hour,
			InstanceTimeout:        50 * time.Millisecond,
		})
	}

	live := newCoord()
	dead := newCoord()

	ctx := context.Background()
	if _, err := live.Register(ctx, "live"); err != nil {
		t.Fatalf("Register live: %v", err)
	}
	if _, err := dead.Register(ctx, "dead"); err != nil {
		t.Fatalf("Register dead: %v", err)
	}
	defer dead.Unregister(context.Background(), "dead")

	// Simulate "dead"'s heartbeat loop having gone silent: backdate its
	// record past InstanceTimeout without going through writeHeartbeat.
	stale := instanceRecord{InFlight: 0, LastHeartbeat: time.Now().Add(-time.Hour).UnixMilli()}
	b, _ := json.Marshal(stale)
	if err := client.HSet(ctx, live.instancesKey, "dead", b).Err(); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	if err := live.cleanupSweep(ctx); err != nil {
		t.Fatalf("cleanupSweep: %v", err)
	}

	if _, err := client.HGet(ctx, live.instancesKey, "dead").Result(); err != redis.Nil {
		t.Fatalf("expected dead instance to be evicted from instances hash, got err=%v", err)
	}
	if _, err := client.HGet(ctx, live.allocationsKey, "dead").Result(); err != redis.Nil {
		t.Fatalf("expected dead instance to be evicted from allocations hash, got err=%v", err)
	}

	allocRaw, err := client.HGet(ctx, live.allocationsKey, "live").Result()
	if err != nil {
		t.Fatalf("HGet live allocation: %v", err)
	}
	var alloc domain.Allocation
	if err := json.Unmarshal([]byte(allocRaw), &alloc); err != nil {
		t.Fatalf("unmarshal live allocation: %v", err)
	}
	if alloc.Slots != 8 {
		t.Fatalf("expected sole surviving instance to be redistributed the full 8 slots, got %d", alloc.Slots)
	}

	if err := live.Unregister(ctx, "live"); err != nil {
		t.Fatalf("Unregister live: %v", err)
	}
}
