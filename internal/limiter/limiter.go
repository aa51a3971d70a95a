// Package limiter implements the multi-dimensional sliding-window rate
// limiter from spec §4.C. It owns a single sharded concurrent map keyed by
// LimiterKey whose values are per-key-locked CounterWindows, grounded on
// the teacher's anom.Detector (sync.Map + per-key sync.Mutex, no lock held
// across I/O) and on the other_examples dnsscienced/rrl.Limiter's
// atomic-stats-plus-ticker-cleanup shape.
package limiter

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sidcorp-team/pingwall/internal/policy"
)

const numShards = 64

// Key identifies one counter: a (route, dimension, dimension value, client
// IP) tuple. All four fields participate in map identity.
type Key struct {
	RouteID  string
	Dim      policy.Dimension
	DimValue string
	ClientIP string
}

func (k Key) hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.RouteID))
	h.Write([]byte{0})
	var dimBuf [4]byte
	dimBuf[0] = byte(k.Dim)
	h.Write(dimBuf[:])
	h.Write([]byte(k.DimValue))
	h.Write([]byte{0})
	h.Write([]byte(k.ClientIP))
	return h.Sum64()
}

// Verdict is the outcome of one admission check.
type Verdict struct {
	Accepted          bool
	Blocked           bool // meaningful only when !Accepted: true=hard block, false=soft reject
	Limit             int
	Remaining         int
	WindowSecs        int
	BlockDurationSecs int
	ResetSecs         int // seconds until unblock; only set when Blocked
	RetryAfterSecs    int // block_duration_secs if Blocked, else window_secs
}

// window is one CounterWindow: an ordered sequence of request instants
// (non-decreasing: requests that read the same clock value record equal
// instants) plus an optional block deadline. Guarded by its own
// mutex; never held across a suspension point (the limiter does no I/O).
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	blockUntil time.Time // zero value = unset
	windowSecs int        // the rule's window, recorded so the sweep can prune independently of request traffic
}

type shard struct {
	m sync.Map // Key -> *window
}

// Limiter is the single concurrent map of CounterWindows, sharded to bound
// lock contention under high request fan-in.
type Limiter struct {
	shards     [numShards]*shard
	entryCount atomic.Int64
	softCap    int64

	clock func() time.Time

	sweepInterval    time.Duration
	minSweepInterval time.Duration
	stop             chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
}

// Config controls eviction behavior; all fields have documented defaults
// per spec §5.
type Config struct {
	SweepInterval time.Duration // default 60s
	SoftCap       int64         // default 1_000_000
}

func New(cfg Config) *Limiter {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = 1_000_000
	}
	l := &Limiter{
		clock:            time.Now,
		sweepInterval:    cfg.SweepInterval,
		minSweepInterval: cfg.SweepInterval / 10,
		stop:             make(chan struct{}),
	}
	if l.minSweepInterval < time.Second {
		l.minSweepInterval = time.Second
	}
	l.softCap = cfg.SoftCap
	for i := range l.shards {
		l.shards[i] = &shard{}
	}
	return l
}

// Run starts the background eviction sweep. Call once; stop with Close.
func (l *Limiter) Run() {
	l.wg.Add(1)
	go l.sweepLoop()
}

func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}

// EntryCount returns the current number of tracked LimiterKeys, for the
// metrics sink.
func (l *Limiter) EntryCount() int64 { return l.entryCount.Load() }

func (l *Limiter) shardFor(k Key) *shard {
	return l.shards[k.hash()%numShards]
}

func (l *Limiter) getOrCreate(k Key) *window {
	sh := l.shardFor(k)
	if v, ok := sh.m.Load(k); ok {
		return v.(*window)
	}
	w := &window{}
	actual, loaded := sh.m.LoadOrStore(k, w)
	if !loaded {
		l.entryCount.Add(1)
	}
	return actual.(*window)
}

// Admit evaluates rules in order against (routeID, clientIP), short-
// circuiting on the first reject, per spec §4.C steps 3-4.
func (l *Limiter) Admit(routeID, clientIP string, rules []policy.RuleMatch) (Verdict, policy.RuleMatch) {
	now := l.clock()
	for _, rm := range rules {
		key := Key{RouteID: routeID, Dim: rm.Dimension, DimValue: rm.DimValue, ClientIP: clientIP}
		v := l.checkAndRecord(key, rm.Rule, now)
		if !v.Accepted {
			return v, rm
		}
	}
	return Verdict{Accepted: true}, policy.RuleMatch{}
}

// checkAndRecord is the atomic per-key admission procedure from spec §4.C.
func (l *Limiter) checkAndRecord(key Key, rule policy.DimRule, now time.Time) Verdict {
	w := l.getOrCreate(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.blockUntil.IsZero() && w.blockUntil.After(now) {
		remaining := w.blockUntil.Sub(now)
		secs := ceilSeconds(remaining)
		return Verdict{
			Accepted:          false,
			Blocked:           true,
			Limit:             rule.MaxReq,
			WindowSecs:        rule.WindowSecs,
			BlockDurationSecs: rule.BlockDurationSecs,
			ResetSecs:         secs,
			RetryAfterSecs:    rule.BlockDurationSecs,
		}
	}
	if !w.blockUntil.IsZero() {
		w.blockUntil = time.Time{}
	}
	w.windowSecs = rule.WindowSecs

	cutoff := now.Add(-time.Duration(rule.WindowSecs) * time.Second)
	pruned := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	w.timestamps = pruned

	count := len(w.timestamps)
	if count >= rule.MaxReq {
		if rule.BlockDurationSecs > 0 {
			w.blockUntil = now.Add(time.Duration(rule.BlockDurationSecs) * time.Second)
			return Verdict{
				Accepted:          false,
				Blocked:           true,
				Limit:             rule.MaxReq,
				WindowSecs:        rule.WindowSecs,
				BlockDurationSecs: rule.BlockDurationSecs,
				ResetSecs:         rule.BlockDurationSecs,
				RetryAfterSecs:    rule.BlockDurationSecs,
			}
		}
		return Verdict{
			Accepted:       false,
			Blocked:        false,
			Limit:          rule.MaxReq,
			WindowSecs:     rule.WindowSecs,
			RetryAfterSecs: rule.WindowSecs,
		}
	}

	w.timestamps = append(w.timestamps, now)
	return Verdict{
		Accepted:   true,
		Limit:      rule.MaxReq,
		Remaining:  rule.MaxReq - (count + 1),
		WindowSecs: rule.WindowSecs,
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func (l *Limiter) sweepLoop() {
	defer l.wg.Done()
	interval := l.sweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepOnce(l.clock())

			// Under memory pressure, shorten the interval; otherwise relax
			// back to the configured default.
			next := l.sweepInterval
			if l.entryCount.Load() > l.softCap {
				next = l.minSweepInterval
			}
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (l *Limiter) sweepOnce(now time.Time) {
	for _, sh := range l.shards {
		sh.m.Range(func(k, v any) bool {
			w := v.(*window)
			w.mu.Lock()
			if w.windowSecs > 0 {
				cutoff := now.Add(-time.Duration(w.windowSecs) * time.Second)
				pruned := w.timestamps[:0]
				for _, ts := range w.timestamps {
					if ts.After(cutoff) {
						pruned = append(pruned, ts)
					}
				}
				w.timestamps = pruned
			}
			evict := len(w.timestamps) == 0 && (w.blockUntil.IsZero() || !w.blockUntil.After(now))
			w.mu.Unlock()
			if evict {
				sh.m.Delete(k)
				l.entryCount.Add(-1)
			}
			return true
		})
	}
}
