// Package redisbackend is the reference distributed coordinator (spec
// §4.8): a Backend implementation backed by Redis, using server-side Lua
// scripts for the atomic acquire/release CAS on slot in-flight counts, a
// SET-NX lock around the heavier membership-change redistribution, and
// PUBLISH/SUBSCRIBE for allocation-change notifications.
package redisbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ratefleet/internal/backend"
	"ratefleet/internal/domain"
	"ratefleet/internal/resilience"
	"ratefleet/internal/window"
)

// Config wires a Coordinator to a Redis instance and the global budget it
// fairly distributes across every registered worker.
type Config struct {
	Client                 *redis.Client
	Namespace              string // default "llm-rate-limiter:" (spec §6)
	TotalCapacity          int
	TotalTokensPerMinute   int
	TotalRequestsPerMinute int
	HeartbeatInterval      time.Duration // default 5s
	InstanceTimeout        time.Duration // default 15s
	CleanupInterval        time.Duration // default 10s
	Logger                 *slog.Logger

	// Retry/CircuitBreaker guard every round trip to Redis on the hot path
	// (Acquire/Release), per the supplemented "resilience around the
	// distributed backend" feature. A nil CircuitBreaker disables breaking.
	// Retrying is always on: normalized() turns a zero Retry.MaxRetries into
	// 3 and enables both retryable error classes.
	Retry          resilience.RetryConfig
	CircuitBreaker *resilience.CircuitBreaker
}

func (c Config) normalized() Config {
	if c.Namespace == "" {
		c.Namespace = "llm-rate-limiter:"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.InstanceTimeout <= 0 {
		c.InstanceTimeout = 15 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Retry.BackoffBase <= 0 {
		c.Retry.BackoffBase = 20 * time.Millisecond
	}
	if c.Retry.BackoffMax <= 0 {
		c.Retry.BackoffMax = 500 * time.Millisecond
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	// Acquire/Release only ever fail on a Redis round trip, never on an
	// application-level rejection, so both retryable classes are always on;
	// there is no caller-facing reason to retry one but not the other here.
	c.Retry.RetryOnTimeout = true
	c.Retry.RetryOnConnectionError = true
	return c
}

type instanceRecord struct {
	InFlight      int   `json:"inFlight"`
	LastHeartbeat int64 `json:"lastHeartbeat"` // unix millis
}

// Coordinator is the Redis-backed Backend implementation. It never holds a
// reference back to the scheduler; it only emits notifications through
// Subscribe, per spec §9's cyclic-reference design note.
type Coordinator struct {
	cfg Config

	instancesKey    string
	allocationsKey  string
	configKey       string
	channelKey      string
	lockKeyPrefix   string

	acquireScript *redis.Script
	releaseScript *redis.Script

	mu            sync.Mutex
	instanceID    string
	localTPM      *window.Counter
	localRPM      *window.Counter
	currentAlloc  domain.Allocation
	subscribers   []backend.OnChange
	heartbeatStop chan struct{}
	subStop       chan struct{}
	wg            sync.WaitGroup
}

var acquireLua = redis.NewScript(`
local allocJSON = redis.call('HGET', KEYS[1], ARGV[1])
if not allocJSON then return 0 end
local alloc = cjson.decode(allocJSON)
local instJSON = redis.call('HGET', KEYS[2], ARGV[1])
local inst = {}
if instJSON then inst = cjson.decode(instJSON) end
local inFlight = inst.inFlight or 0
if inFlight + 1 > alloc.slots then return 0 end
inst.inFlight = inFlight + 1
if inst.lastHeartbeat == nil then inst.lastHeartbeat = 0 end
redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(inst))
return 1
`)

var releaseLua = redis.NewScript(`
local instJSON = redis.call('HGET', KEYS[1], ARGV[1])
if not instJSON then return 0 end
local inst = cjson.decode(instJSON)
local inFlight = (inst.inFlight or 0) - 1
if inFlight < 0 then inFlight = 0 end
inst.inFlight = inFlight
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(inst))
return 1
`)

// New builds a Coordinator. It does not contact Redis until Register.
func New(cfg Config) *Coordinator {
	cfg = cfg.normalized()
	return &Coordinator{
		cfg:            cfg,
		instancesKey:   cfg.Namespace + "instances",
		allocationsKey: cfg.Namespace + "allocations",
		configKey:      cfg.Namespace + "config",
		channelKey:     cfg.Namespace + "channel:allocations",
		lockKeyPrefix:  cfg.Namespace + "lock:redistribute",
		acquireScript:  acquireLua,
		releaseScript:  releaseLua,
	}
}

// Register inserts instanceID with inFlight=0, ensures the global config
// hash is seeded, redistributes the budget across the new membership,
// starts this instance's heartbeat and subscription loops, and returns its
// initial allocation.
func (c *Coordinator) Register(ctx context.Context, instanceID string) (domain.Allocation, error) {
	c.mu.Lock()
	c.instanceID = instanceID
	c.heartbeatStop = make(chan struct{})
	c.subStop = make(chan struct{})
	c.mu.Unlock()

	if err := c.seedConfig(ctx); err != nil {
		return domain.Allocation{}, err
	}

	rec := instanceRecord{InFlight: 0, LastHeartbeat: time.Now().UnixMilli()}
	b, _ := json.Marshal(rec)
	if err := c.cfg.Client.HSet(ctx, c.instancesKey, instanceID, b).Err(); err != nil {
		return domain.Allocation{}, fmt.Errorf("redisbackend: register HSET: %w", err)
	}

	allocs, err := c.redistribute(ctx)
	if err != nil {
		return domain.Allocation{}, err
	}
	alloc := allocs[instanceID]

	c.mu.Lock()
	c.currentAlloc = alloc
	c.localTPM = window.New(60_000, alloc.TokensPerMinute)
	c.localRPM = window.New(60_000, alloc.RequestsPerMinute)
	c.mu.Unlock()

	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.subscriptionLoop()

	return alloc, nil
}

func (c *Coordinator) seedConfig(ctx context.Context) error {
	fields := map[string]interface{}{
		"totalCapacity":          c.cfg.TotalCapacity,
		"totalTokensPerMinute":   c.cfg.TotalTokensPerMinute,
		"totalRequestsPerMinute": c.cfg.TotalRequestsPerMinute,
	}
	for k, v := range fields {
		if err := c.cfg.Client.HSetNX(ctx, c.configKey, k, v).Err(); err != nil {
			return fmt.Errorf("redisbackend: seed config: %w", err)
		}
	}
	return nil
}

// Unregister removes instanceID, stops its heartbeat/subscription loops,
// and redistributes the budget across the remaining membership.
func (c *Coordinator) Unregister(ctx context.Context, instanceID string) error {
	c.mu.Lock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
	}
	if c.subStop != nil {
		close(c.subStop)
	}
	c.mu.Unlock()
	c.wg.Wait()

	pipe := c.cfg.Client.Pipeline()
	pipe.HDel(ctx, c.instancesKey, instanceID)
	pipe.HDel(ctx, c.allocationsKey, instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisbackend: unregister: %w", err)
	}
	_, err := c.redistribute(ctx)
	return err
}

// Acquire checks this instance's local token/request window reservations
// (derived from its own allocation share) before spending a round trip on
// the shared slot count, then runs the atomic Lua acquire against Redis.
func (c *Coordinator) Acquire(ctx context.Context, req backend.AcquireRequest) (bool, error) {
	c.mu.Lock()
	tpm, rpm := c.localTPM, c.localRPM
	c.mu.Unlock()

	if tpm != nil && !tpm.HasCapacityFor(req.Estimated.Tokens) {
		return false, nil
	}
	if rpm != nil && !rpm.HasCapacityFor(req.Estimated.Requests) {
		return false, nil
	}

	var res interface{}
	runAcquire := func() error {
		var runErr error
		res, runErr = c.acquireScript.Run(ctx, c.cfg.Client, []string{c.allocationsKey, c.instancesKey}, req.InstanceID).Result()
		return runErr
	}
	if err := c.callWithResilience(ctx, runAcquire); err != nil {
		return false, fmt.Errorf("redisbackend: acquire script: %w", err)
	}
	if toInt64(res) != 1 {
		return false, nil
	}

	if tpm != nil {
		tpm.Add(req.Estimated.Tokens)
	}
	if rpm != nil {
		rpm.Add(req.Estimated.Requests)
	}
	return true, nil
}

// Release refunds (estimated - actual) to the local window reservations and
// decrements the shared in-flight count. A failed release script is logged
// at Warn and swallowed, so Release always returns nil (spec §7: backend
// release failures are best-effort).
func (c *Coordinator) Release(ctx context.Context, req backend.ReleaseRequest) error {
	c.mu.Lock()
	tpm, rpm := c.localTPM, c.localRPM
	c.mu.Unlock()

	refundTokens := req.Estimated.Tokens - req.Actual.Tokens
	if refundTokens < 0 {
		refundTokens = 0
	}
	refundRequests := req.Estimated.Requests - req.Actual.Requests
	if refundRequests < 0 {
		refundRequests = 0
	}
	if tpm != nil {
		tpm.Subtract(refundTokens)
	}
	if rpm != nil {
		rpm.Subtract(refundRequests)
	}

	runRelease := func() error {
		_, runErr := c.releaseScript.Run(ctx, c.cfg.Client, []string{c.instancesKey}, req.InstanceID).Result()
		return runErr
	}
	if err := c.callWithResilience(ctx, runRelease); err != nil {
		c.cfg.Logger.Warn("redisbackend: release script failed, swallowing", "error", err, "instanceId", req.InstanceID)
		return nil
	}
	return nil
}

// callWithResilience runs fn guarded by the optional circuit breaker and
// retried per cfg.Retry. With both unconfigured it is a plain call.
func (c *Coordinator) callWithResilience(ctx context.Context, fn func() error) error {
	attempt := func() error {
		return resilience.Retry(ctx, c.cfg.Retry, fn)
	}
	if c.cfg.CircuitBreaker == nil {
		return attempt()
	}
	return c.cfg.CircuitBreaker.Call(ctx, c.cfg.Namespace, func(ctx context.Context) error {
		return attempt()
	})
}

// Subscribe registers onChange; it fires whenever a pub/sub message reports
// a changed allocation for this instance.
func (c *Coordinator) Subscribe(onChange backend.OnChange) (unsubscribe func()) {
	c.mu.Lock()
	c.subscribers = append(c.subscribers, onChange)
	idx := len(c.subscribers) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.subscribers) {
			c.subscribers[idx] = nil
		}
	}
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeHeartbeat()
		case <-c.heartbeatStop:
			return
		}
	}
}

func (c *Coordinator) writeHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval)
	defer cancel()

	instJSON, err := c.cfg.Client.HGet(ctx, c.instancesKey, c.instanceID).Result()
	if err != nil {
		c.cfg.Logger.Warn("redisbackend: heartbeat read failed", "error", err)
		return
	}
	var rec instanceRecord
	_ = json.Unmarshal([]byte(instJSON), &rec)
	rec.LastHeartbeat = time.Now().UnixMilli()
	b, _ := json.Marshal(rec)
	// Non-CAS write, per spec §4.8: "Heartbeat writes are non-CAS."
	if err := c.cfg.Client.HSet(ctx, c.instancesKey, c.instanceID, b).Err(); err != nil {
		c.cfg.Logger.Warn("redisbackend: heartbeat write failed", "error", err)
	}
}

func (c *Coordinator) subscriptionLoop() {
	defer c.wg.Done()
	pubsub := c.cfg.Client.Subscribe(context.Background(), c.channelKey)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handleAllocationMessage(msg.Payload)
		case <-c.subStop:
			return
		}
	}
}

func (c *Coordinator) handleAllocationMessage(payload string) {
	var allocs map[string]domain.Allocation
	if err := json.Unmarshal([]byte(payload), &allocs); err != nil {
		c.cfg.Logger.Warn("redisbackend: malformed allocation notification", "error", err)
		return
	}
	c.mu.Lock()
	newAlloc, ok := allocs[c.instanceID]
	changed := ok && newAlloc != c.currentAlloc
	if changed {
		c.currentAlloc = newAlloc
		if c.localTPM != nil {
			c.localTPM.SetLimit(newAlloc.TokensPerMinute)
		}
		if c.localRPM != nil {
			c.localRPM.SetLimit(newAlloc.RequestsPerMinute)
		}
	}
	subs := append([]backend.OnChange(nil), c.subscribers...)
	c.mu.Unlock()

	if !changed {
		return
	}
	for _, s := range subs {
		if s != nil {
			s(newAlloc, backend.ReasonRebalance, "")
		}
	}
}

// redistribute recomputes a fair share of slots/TPM/RPM across every
// registered instance (spec §4.8 "Redistribution"), under a Redis lock so
// the read-compute-write sequence is atomic across coordinator processes.
func (c *Coordinator) redistribute(ctx context.Context) (map[string]domain.Allocation, error) {
	token := uuid.NewString()
	lockKey := c.lockKeyPrefix
	if err := c.acquireLock(ctx, lockKey, token); err != nil {
		return nil, err
	}
	defer c.releaseLock(context.Background(), lockKey, token)

	ids, err := c.cfg.Client.HKeys(ctx, c.instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbackend: redistribute HKEYS: %w", err)
	}
	sort.Strings(ids)

	cfgVals, err := c.cfg.Client.HGetAll(ctx, c.configKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbackend: redistribute HGETALL config: %w", err)
	}
	totalCapacity := atoiOr(cfgVals["totalCapacity"], c.cfg.TotalCapacity)
	totalTPM := atoiOr(cfgVals["totalTokensPerMinute"], c.cfg.TotalTokensPerMinute)
	totalRPM := atoiOr(cfgVals["totalRequestsPerMinute"], c.cfg.TotalRequestsPerMinute)

	slotsShare := fairShare(totalCapacity, ids)
	tpmShare := fairShare(totalTPM, ids)
	rpmShare := fairShare(totalRPM, ids)

	allocs := make(map[string]domain.Allocation, len(ids))
	pipe := c.cfg.Client.Pipeline()
	for _, id := range ids {
		a := domain.Allocation{Slots: slotsShare[id], TokensPerMinute: tpmShare[id], RequestsPerMinute: rpmShare[id]}
		allocs[id] = a
		b, _ := json.Marshal(a)
		pipe.HSet(ctx, c.allocationsKey, id, b)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisbackend: redistribute write allocations: %w", err)
	}

	payload, _ := json.Marshal(allocs)
	if err := c.cfg.Client.Publish(ctx, c.channelKey, payload).Err(); err != nil {
		c.cfg.Logger.Warn("redisbackend: publish allocation change failed", "error", err)
	}
	return allocs, nil
}

// fairShare implements spec §4.8's "base share + remainder to the first r
// instances lexicographically" split: floor(B/N) to everyone, +1 to the
// first B-N*floor(B/N) instances in ids' (already sorted) order.
func fairShare(budget int, ids []string) map[string]int {
	out := make(map[string]int, len(ids))
	n := len(ids)
	if n == 0 {
		return out
	}
	base := budget / n
	remainder := budget - n*base
	for i, id := range ids {
		share := base
		if i < remainder {
			share++
		}
		out[id] = share
	}
	return out
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// cleanupSweep removes any instance whose last heartbeat is older than
// InstanceTimeout, then redistributes. Call StartCleanupSweeper to run this
// periodically.
func (c *Coordinator) cleanupSweep(ctx context.Context) error {
	entries, err := c.cfg.Client.HGetAll(ctx, c.instancesKey).Result()
	if err != nil {
		return fmt.Errorf("redisbackend: cleanup HGETALL: %w", err)
	}
	cutoff := time.Now().Add(-c.cfg.InstanceTimeout).UnixMilli()
	var dead []string
	for id, raw := range entries {
		var rec instanceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.LastHeartbeat < cutoff {
			dead = append(dead, id)
		}
	}
	if len(dead) == 0 {
		return nil
	}
	pipe := c.cfg.Client.Pipeline()
	for _, id := range dead {
		pipe.HDel(ctx, c.instancesKey, id)
		pipe.HDel(ctx, c.allocationsKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisbackend: cleanup HDEL: %w", err)
	}
	_, err = c.redistribute(ctx)
	return err
}

// StartCleanupSweeper runs cleanupSweep on CleanupInterval until ctx is
// cancelled. It is independent of any single instance's lifecycle and is
// typically run by exactly one process (or redundantly by all, since the
// sweep is idempotent).
func (c *Coordinator) StartCleanupSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.cleanupSweep(ctx); err != nil {
					c.cfg.Logger.Warn("redisbackend: cleanup sweep failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Coordinator) acquireLock(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := c.cfg.Client.SetNX(ctx, key, token, 5*time.Second).Result()
		if err != nil {
			return fmt.Errorf("redisbackend: acquire lock: %w", err)
		}
		if ok {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("redisbackend: timed out acquiring redistribute lock")
}

var unlockLua = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (c *Coordinator) releaseLock(ctx context.Context, key, token string) {
	if err := unlockLua.Run(ctx, c.cfg.Client, []string{key}, token).Err(); err != nil {
		c.cfg.Logger.Warn("redisbackend: release lock failed", "error", err)
	}
}

var _ backend.Backend = (*Coordinator)(nil)
