// Package notify implements the at-most-once, best-effort webhook dispatch
// pipeline from spec §4.E. Grounded on the teacher's design philosophy
// ("Notifier is best-effort by design", spec.md §9) and, mechanically, on
// anom.Detector's single dedicated background goroutine that talks to an
// external system without ever blocking the request path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BlockNotice is created the moment a client transitions into a hard-
// blocked state and discarded once dispatched (or dropped under
// backpressure).
type BlockNotice struct {
	IP                string
	Domain            string
	Path              string
	RequestURL        string
	UserAgent         string
	CurrentCount      int
	MaxRequests       int
	BlockDurationSecs int
	TimestampUTC      time.Time
}

func (n BlockNotice) dedupKey() string {
	return n.IP + "|" + n.Domain + "|" + n.Path
}

// webhookPayload is the wire shape from spec §6, which differs slightly
// from BlockNotice's field names (lock_duration, message, timestamp).
type webhookPayload struct {
	Message      string `json:"message"`
	IP           string `json:"ip"`
	LockDuration int    `json:"lock_duration"`
	Domain       string `json:"domain"`
	Path         string `json:"path"`
	RequestURL   string `json:"request_url"`
	UserAgent    string `json:"user_agent"`
	CurrentCount int    `json:"current_count"`
	MaxRequests  int    `json:"max_requests"`
	Timestamp    string `json:"timestamp"`
}

// MetricsSink is the narrow metrics interface the notifier depends on
// (spec §6: "a narrow metrics sink interface"), so tests don't need a
// live Prometheus registry.
type MetricsSink interface {
	IncWebhookDropped()
	IncWebhookFailure()
}

type noopSink struct{}

func (noopSink) IncWebhookDropped() {}
func (noopSink) IncWebhookFailure() {}

// Config controls notifier behavior; defaults match spec §4.E/§5.
type Config struct {
	BlockURL      string
	APIKey        string
	QueueCapacity int           // default 1024
	Timeout       time.Duration // default 10s
	DedupWindow   time.Duration // default 1s
}

// Notifier is a bounded, multi-producer single-consumer FIFO of
// BlockNotices. Enqueue never blocks the request path.
type Notifier struct {
	cfg    Config
	queue  chan BlockNotice
	client *http.Client
	sink   MetricsSink

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, sink MetricsSink) *Notifier {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Second
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &Notifier{
		cfg:    cfg,
		queue:  make(chan BlockNotice, cfg.QueueCapacity),
		client: &http.Client{},
		sink:   sink,
		dedup:  make(map[string]time.Time),
		stop:   make(chan struct{}),
	}
}

// Run starts the single consumer goroutine. Call once; stop with Close.
func (n *Notifier) Run() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case notice := <-n.queue:
				n.dispatch(notice)
			case <-n.stop:
				return
			}
		}
	}()
}

func (n *Notifier) Close() {
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
}

// Enqueue submits a notice for dispatch. It never blocks: a full queue
// drops the notice and increments a counter; identical (ip, domain, path)
// notices within the dedup window collapse to a single enqueue.
func (n *Notifier) Enqueue(notice BlockNotice) {
	if n.cfg.BlockURL == "" {
		return
	}

	key := notice.dedupKey()
	now := notice.TimestampUTC
	if now.IsZero() {
		now = time.Now()
	}

	n.dedupMu.Lock()
	if last, ok := n.dedup[key]; ok && now.Sub(last) < n.cfg.DedupWindow {
		n.dedupMu.Unlock()
		return
	}
	n.dedup[key] = now
	n.dedupMu.Unlock()

	select {
	case n.queue <- notice:
	default:
		n.sink.IncWebhookDropped()
		log.Warn().Str("ip", notice.IP).Str("domain", notice.Domain).Str("path", notice.Path).
			Msg("notifier queue full; dropping block notice")
	}
}

func (n *Notifier) dispatch(notice BlockNotice) {
	payload := webhookPayload{
		Message:      "client blocked",
		IP:           notice.IP,
		LockDuration: notice.BlockDurationSecs,
		Domain:       notice.Domain,
		Path:         notice.Path,
		RequestURL:   notice.RequestURL,
		UserAgent:    notice.UserAgent,
		CurrentCount: notice.CurrentCount,
		MaxRequests:  notice.MaxRequests,
		Timestamp:    notice.TimestampUTC.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Msg("notifier marshal failed")
		n.sink.IncWebhookFailure()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.BlockURL, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Msg("notifier request build failed")
		n.sink.IncWebhookFailure()
		return
	}
	req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("ip", notice.IP).Msg("webhook dispatch failed")
		n.sink.IncWebhookFailure()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("ip", notice.IP).Msg("webhook non-2xx response")
		n.sink.IncWebhookFailure()
	}
}
