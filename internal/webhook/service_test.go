package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, clock *fakeClock, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc, err := NewService(NewMemoryStore(), opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestTriggerDeliversSignedEvent(t *testing.T) {
	var (
		mu       sync.Mutex
		body     []byte
		sigHdr   string
		eventHdr string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = payload
		sigHdr = r.Header.Get(SignatureHeader)
		eventHdr = r.Header.Get("X-AgentPay-Event")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := newTestService(t, newFakeClock())
	target := Target{AgentID: "agent-1", URL: server.URL, Secret: "whsec_test"}

	delivery, err := svc.Trigger(context.Background(), target, "proposal.executed",
		map[string]string{"proposal_id": "p-1"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if delivery.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", delivery.Status)
	}
	if delivery.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", delivery.Attempts)
	}
	if delivery.DeliveredAt == 0 {
		t.Fatal("expected delivered_at to be set")
	}

	mu.Lock()
	defer mu.Unlock()
	if eventHdr != "proposal.executed" {
		t.Fatalf("unexpected event header: %q", eventHdr)
	}
	if !VerifySignature(body, "whsec_test", sigHdr) {
		t.Fatal("expected receiver-side signature verification to pass")
	}
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.EventType != "proposal.executed" {
		t.Fatalf("unexpected event type: %q", event.EventType)
	}
}

func TestTriggerSkipsTargetsWithoutURL(t *testing.T) {
	svc := newTestService(t, newFakeClock())

	delivery, err := svc.Trigger(context.Background(), Target{AgentID: "agent-1"},
		"proposal.created", map[string]string{"proposal_id": "p-1"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if delivery != nil {
		t.Fatal("expected no delivery for target without url")
	}
}

func TestFailedDeliveryFollowsRetrySchedule(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	clock := newFakeClock()
	svc := newTestService(t, clock)
	target := Target{AgentID: "agent-1", URL: server.URL, Secret: "whsec_test"}

	delivery, err := svc.Trigger(context.Background(), target, "proposal.created",
		map[string]string{"proposal_id": "p-1"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if delivery.Status != StatusPending {
		t.Fatalf("expected pending after first failure, got %s", delivery.Status)
	}
	if delivery.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", delivery.Attempts)
	}
	wantRetry := clock.Now().Unix() + 60
	if delivery.NextRetryAt != wantRetry {
		t.Fatalf("expected first retry at +60s (%d), got %d", wantRetry, delivery.NextRetryAt)
	}

	// 未到期时清扫不应处理任何记录。
	processed, err := svc.Sweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected no due deliveries yet, processed %d", processed)
	}

	clock.Advance(61 * time.Second)
	if processed, err = svc.Sweep(context.Background(), 10); err != nil || processed != 1 {
		t.Fatalf("expected one due delivery, processed=%d err=%v", processed, err)
	}
	delivery, err = svc.Get(context.Background(), delivery.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if delivery.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", delivery.Attempts)
	}
	wantRetry = clock.Now().Unix() + 300
	if delivery.NextRetryAt != wantRetry {
		t.Fatalf("expected second retry at +300s (%d), got %d", wantRetry, delivery.NextRetryAt)
	}

	clock.Advance(301 * time.Second)
	if processed, err = svc.Sweep(context.Background(), 10); err != nil || processed != 1 {
		t.Fatalf("expected one due delivery, processed=%d err=%v", processed, err)
	}
	delivery, err = svc.Get(context.Background(), delivery.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if delivery.Status != StatusFailed {
		t.Fatalf("expected failed after max attempts, got %s", delivery.Status)
	}
	if delivery.Attempts != MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", MaxAttempts, delivery.Attempts)
	}
	if delivery.NextRetryAt != 0 {
		t.Fatalf("expected no further retries, got next_retry_at=%d", delivery.NextRetryAt)
	}

	// 终态记录不再被清扫。
	clock.Advance(time.Hour)
	if processed, err = svc.Sweep(context.Background(), 10); err != nil || processed != 0 {
		t.Fatalf("expected failed delivery to stay terminal, processed=%d err=%v", processed, err)
	}
}

func TestRetrySucceedsAfterEndpointRecovers(t *testing.T) {
	var (
		mu   sync.Mutex
		fail = true
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		failing := fail
		mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	clock := newFakeClock()
	svc := newTestService(t, clock)
	target := Target{AgentID: "agent-1", URL: server.URL, Secret: "whsec_test"}

	delivery, err := svc.Trigger(context.Background(), target, "proposal.executed",
		map[string]string{"proposal_id": "p-1"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if delivery.Status != StatusPending {
		t.Fatalf("expected pending, got %s", delivery.Status)
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	clock.Advance(61 * time.Second)
	if _, err := svc.Sweep(context.Background(), 10); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	delivery, err = svc.Get(context.Background(), delivery.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if delivery.Status != StatusDelivered {
		t.Fatalf("expected delivered after recovery, got %s", delivery.Status)
	}
	if delivery.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", delivery.Attempts)
	}
	if delivery.LastError != "" {
		t.Fatalf("expected last error cleared, got %q", delivery.LastError)
	}
}

func TestOpenBreakerFailsFastWithoutCalling(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	clock := newFakeClock()
	breakers := NewBreakerRegistry(1, 1, time.Hour)
	svc := newTestService(t, clock, WithBreakers(breakers))
	target := Target{AgentID: "agent-1", URL: server.URL, Secret: "whsec_test"}

	// 第一次失败即打开熔断器。
	first, err := svc.Trigger(context.Background(), target, "proposal.created",
		map[string]string{"proposal_id": "p-1"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if first.Status != StatusPending {
		t.Fatalf("expected pending after real failure, got %s", first.Status)
	}
	if breakers.Get(server.URL).State() != StateOpen {
		t.Fatalf("expected open breaker, got %s", breakers.Get(server.URL).State())
	}

	// 熔断期间的尝试快速失败，不触达端点。
	second, err := svc.Trigger(context.Background(), target, "proposal.created",
		map[string]string{"proposal_id": "p-2"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if second.Status != StatusPending {
		t.Fatalf("expected pending, got %s", second.Status)
	}
	if second.LastError == "" {
		t.Fatal("expected fast-fail reason recorded")
	}
	if second.NextRetryAt == 0 {
		t.Fatal("expected fast-failed delivery to be rescheduled")
	}
	if second.Attempts != 0 {
		t.Fatalf("expected fast-fail not to consume attempts, got %d", second.Attempts)
	}

	// 熔断期间反复改期也不得把投递推进 failed 终态。
	for range MaxAttempts + 1 {
		clock.Advance(61 * time.Second)
		if _, err := svc.Sweep(context.Background(), 10); err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}
	second, err = svc.Get(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.Status != StatusPending {
		t.Fatalf("expected delivery to stay pending with zero real attempts, got %s", second.Status)
	}
	if second.Attempts != 0 {
		t.Fatalf("expected zero attempts while breaker open, got %d", second.Attempts)
	}

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected endpoint called once, got %d", got)
	}
}

func TestQueueBackedTriggerPublishesID(t *testing.T) {
	queue := NewMemoryQueue(4)
	defer queue.Close()

	clock := newFakeClock()
	svc := newTestService(t, clock, WithQueue(queue))
	target := Target{AgentID: "agent-1", URL: "https://hooks.example.com/pay", Secret: "whsec_test"}

	delivery, err := svc.Trigger(context.Background(), target, "proposal.created",
		map[string]string{"proposal_id": "p-1"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if delivery.Status != StatusPending {
		t.Fatalf("expected pending before consumption, got %s", delivery.Status)
	}

	select {
	case got := <-queue.ch:
		if got != delivery.ID {
			t.Fatalf("expected delivery id %q on queue, got %q", delivery.ID, got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery id published to queue")
	}
}

func TestDeliveriesScopedToAgent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := newTestService(t, newFakeClock())
	for _, agentID := range []string{"agent-1", "agent-1", "agent-2"} {
		target := Target{AgentID: agentID, URL: server.URL, Secret: "whsec_test"}
		if _, err := svc.Trigger(context.Background(), target, "proposal.created",
			map[string]string{"proposal_id": "p"}); err != nil {
			t.Fatalf("trigger: %v", err)
		}
	}

	mine, err := svc.Deliveries(context.Background(), "agent-1", 10, 0)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 deliveries for agent-1, got %d", len(mine))
	}
	for _, d := range mine {
		if d.AgentID != "agent-1" {
			t.Fatalf("unexpected agent id %q in scoped list", d.AgentID)
		}
	}
}
