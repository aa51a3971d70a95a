package notify_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sidcorp-team/pingwall/internal/notify"
)

type countingSink struct {
	dropped atomic.Int64
	failed  atomic.Int64
}

func (s *countingSink) IncWebhookDropped() { s.dropped.Add(1) }
func (s *countingSink) IncWebhookFailure() { s.failed.Add(1) }

func Test_Notifier_DispatchesJSONWithAuthHeader(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("want Authorization header, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("want json content type, got %q", r.Header.Get("Content-Type"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &countingSink{}
	n := notify.New(notify.Config{BlockURL: srv.URL, APIKey: "secret", DedupWindow: time.Millisecond}, sink)
	n.Run()
	defer n.Close()

	n.Enqueue(notify.BlockNotice{
		IP: "1.1.1.1", Domain: "example.com", Path: "/api",
		CurrentCount: 5, MaxRequests: 3, BlockDurationSecs: 300,
		TimestampUTC: time.Now(),
	})

	select {
	case body := <-received:
		if body["ip"] != "1.1.1.1" || body["lock_duration"].(float64) != 300 {
			t.Fatalf("unexpected payload: %+v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook dispatch")
	}
	if sink.failed.Load() != 0 {
		t.Fatalf("want no failures, got %d", sink.failed.Load())
	}
}

func Test_Notifier_DedupsWithinWindow(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.New(notify.Config{BlockURL: srv.URL, DedupWindow: time.Hour}, nil)
	n.Run()
	defer n.Close()

	notice := notify.BlockNotice{IP: "2.2.2.2", Domain: "example.com", Path: "/api", TimestampUTC: time.Now()}
	n.Enqueue(notice)
	n.Enqueue(notice)
	n.Enqueue(notice)

	time.Sleep(200 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Fatalf("want 1 dispatch after dedup, got %d", got)
	}
}

func Test_Notifier_DropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer func() { close(block); srv.Close() }()

	sink := &countingSink{}
	n := notify.New(notify.Config{BlockURL: srv.URL, QueueCapacity: 1, DedupWindow: time.Nanosecond}, sink)
	n.Run()
	defer n.Close()

	// First notice occupies the single consumer (blocked in the handler).
	n.Enqueue(notify.BlockNotice{IP: "3.3.3.1", TimestampUTC: time.Now()})
	time.Sleep(50 * time.Millisecond)
	// These fill, then overflow, the capacity-1 queue.
	n.Enqueue(notify.BlockNotice{IP: "3.3.3.2", TimestampUTC: time.Now()})
	n.Enqueue(notify.BlockNotice{IP: "3.3.3.3", TimestampUTC: time.Now()})

	time.Sleep(50 * time.Millisecond)
	if sink.dropped.Load() == 0 {
		t.Fatalf("want at least one dropped notice")
	}
}

func Test_Notifier_SkipsWhenNoBlockURLConfigured(t *testing.T) {
	sink := &countingSink{}
	n := notify.New(notify.Config{}, sink)
	n.Run()
	defer n.Close()
	n.Enqueue(notify.BlockNotice{IP: "4.4.4.4", TimestampUTC: time.Now()})
	time.Sleep(20 * time.Millisecond)
	if sink.dropped.Load() != 0 || sink.failed.Load() != 0 {
		t.Fatalf("want no-op when BlockURL unset")
	}
}
