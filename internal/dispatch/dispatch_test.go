package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/relayhook/webhookd/internal/apperr"
	"github.com/relayhook/webhookd/internal/breaker"
	"github.com/relayhook/webhookd/internal/domain"
	"github.com/relayhook/webhookd/internal/ids"
	"github.com/relayhook/webhookd/internal/logging"
	"github.com/relayhook/webhookd/internal/mq"
	"github.com/relayhook/webhookd/internal/retrypolicy"
	"github.com/relayhook/webhookd/internal/sender"
)

type fakeMessages struct {
	byID map[ids.MessageID]domain.Message
}

func newFakeMessages() *fakeMessages { return &fakeMessages{byID: map[ids.MessageID]domain.Message{}} }

func (f *fakeMessages) Get(ctx context.Context, id ids.MessageID) (domain.Message, error) {
	m, ok := f.byID[id]
	if !ok {
		return domain.Message{}, apperr.NotFoundf("message %s not found", id)
	}
	return m, nil
}

func (f *fakeMessages) Save(ctx context.Context, msg domain.Message) error {
	f.byID[msg.ID] = msg
	return nil
}

type fakeEvents struct {
	byID map[ids.EventID]domain.Event
}

func newFakeEvents() *fakeEvents { return &fakeEvents{byID: map[ids.EventID]domain.Event{}} }

func (f *fakeEvents) Get(ctx context.Context, id ids.EventID) (domain.Event, error) {
	e, ok := f.byID[id]
	if !ok {
		return domain.Event{}, apperr.NotFoundf("event %s not found", id)
	}
	return e, nil
}

type fakeEndpoints struct {
	byID map[ids.EndpointID]domain.Endpoint
}

func newFakeEndpoints() *fakeEndpoints {
	return &fakeEndpoints{byID: map[ids.EndpointID]domain.Endpoint{}}
}

func (f *fakeEndpoints) Get(ctx context.Context, id ids.EndpointID) (domain.Endpoint, error) {
	e, ok := f.byID[id]
	if !ok {
		return domain.Endpoint{}, apperr.NotFoundf("endpoint %s not found", id)
	}
	return e, nil
}

func (f *fakeEndpoints) Save(ctx context.Context, ep domain.Endpoint) error {
	f.byID[ep.ID] = ep
	return nil
}

type fakeAttemptLogs struct {
	saved []domain.AttemptLog
}

func (f *fakeAttemptLogs) Save(ctx context.Context, log domain.AttemptLog) error {
	f.saved = append(f.saved, log)
	return nil
}

type harness struct {
	messages    *fakeMessages
	events      *fakeEvents
	endpoints   *fakeEndpoints
	attemptLogs *fakeAttemptLogs
	publisher   *mq.Memory
	consumer    *Consumer
}

func newHarness(policy retrypolicy.Policy, now time.Time) *harness {
	h := &harness{
		messages:    newFakeMessages(),
		events:      newFakeEvents(),
		endpoints:   newFakeEndpoints(),
		attemptLogs: &fakeAttemptLogs{},
		publisher:   mq.NewMemory(10),
	}
	h.consumer = &Consumer{
		Breaker:     breaker.New(),
		Policy:      policy,
		Publisher:   h.publisher,
		Sender:      sender.New(2 * time.Second),
		Messages:    h.messages,
		Events:      h.events,
		Endpoints:   h.endpoints,
		AttemptLogs: h.attemptLogs,
		Logger:      logging.New("dispatch-test", "error"),
		Now:         func() time.Time { return now },
	}
	return h
}

func (h *harness) seed(status domain.EndpointStatus, dest *url.URL, createdAt time.Time) (domain.Message, domain.Event, domain.Endpoint) {
	ep := domain.Endpoint{ID: ids.NewEndpointID(), AppID: ids.NewApplicationID(), URL: dest, Topics: []string{"t"}, Status: status}
	ev := domain.Event{ID: ids.NewEventID(), AppID: ep.AppID, Payload: []byte(`{}`), Topic: "t", CreatedAt: createdAt}
	msg := domain.Message{ID: ids.NewMessageID(), EventID: ev.ID, EndpointID: ep.ID}
	h.endpoints.byID[ep.ID] = ep
	h.events.byID[ev.ID] = ev
	h.messages.byID[msg.ID] = msg
	return msg, ev, ep
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

// TestHappyPathRecordsDeliveredAttempt covers spec §8's first scenario: a
// 2xx response records one delivered attempt and schedules nothing further.
func TestHappyPathRecordsDeliveredAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now()
	h := newHarness(retrypolicy.Constant(time.Second), now)
	msg, _, _ := h.seed(domain.StatusEnabledManually, mustURL(t, srv.URL), now.Add(-5*time.Second))

	if err := h.consumer.HandleTask(context.Background(), mq.SentMessage{MessageID: msg.ID, Attempt: 1}); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}

	saved := h.messages.byID[msg.ID]
	if len(saved.Attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(saved.Attempts))
	}
	if !saved.Attempts[0].Status.Delivered() {
		t.Errorf("expected attempt to be delivered")
	}
	if len(h.attemptLogs.saved) != 1 {
		t.Fatalf("expected 1 attempt log, got %d", len(h.attemptLogs.saved))
	}

	pending, _ := h.publisher.Consume(context.Background())
	select {
	case d := <-pending:
		t.Fatalf("expected no retry scheduled, got %+v", d.Task)
	default:
	}
}

// TestFailureSchedulesRetryWithPolicyDelay covers spec §8's retry-then-retry
// scenario: a non-2xx response below the trip threshold records a failed
// attempt and schedules a redelivery at exactly the policy's waiting time.
func TestFailureSchedulesRetryWithPolicyDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	policy, err := retrypolicy.NewBuilder().Exponential(2, 10*time.Millisecond).MaxAttempts(5).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	now := time.Now()
	h := newHarness(policy, now)
	msg, _, _ := h.seed(domain.StatusEnabledManually, mustURL(t, srv.URL), now.Add(-time.Second))

	if err := h.consumer.HandleTask(context.Background(), mq.SentMessage{MessageID: msg.ID, Attempt: 1}); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}

	saved := h.messages.byID[msg.ID]
	if len(saved.Attempts) != 1 || saved.Attempts[0].Status.Delivered() {
		t.Fatalf("expected 1 failed attempt, got %+v", saved.Attempts)
	}

	wantDelay := policy.WaitingTime(1)
	if wantDelay != 20*time.Millisecond {
		t.Fatalf("sanity check on policy delay failed: got %v", wantDelay)
	}

	pending, _ := h.publisher.Consume(context.Background())
	select {
	case d := <-pending:
		if d.Task.Attempt != 2 {
			t.Errorf("retry attempt = %d, want 2", d.Task.Attempt)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a retry to be scheduled within the policy delay")
	}
}

// TestThirdConsecutiveFailureTripsBreakerAndDisablesEndpoint covers spec
// §8's trip scenario: the failThreshold'th consecutive failure for an
// endpoint trips the breaker Closed and disables the endpoint, without
// scheduling a further retry task (the endpoint is off until revived).
func TestThirdConsecutiveFailureTripsBreakerAndDisablesEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	now := time.Now()
	h := newHarness(retrypolicy.Constant(10*time.Millisecond), now)
	msg, _, ep := h.seed(domain.StatusEnabledManually, mustURL(t, srv.URL), now.Add(-time.Second))

	for i := 1; i <= 2; i++ {
		if err := h.consumer.HandleTask(context.Background(), mq.SentMessage{MessageID: msg.ID, Attempt: i}); err != nil {
			t.Fatalf("HandleTask attempt %d: %v", i, err)
		}
	}
	if h.consumer.Breaker.State(ep.ID.String()) != breaker.Open {
		t.Fatalf("breaker tripped early")
	}

	if err := h.consumer.HandleTask(context.Background(), mq.SentMessage{MessageID: msg.ID, Attempt: 3}); err != nil {
		t.Fatalf("HandleTask attempt 3: %v", err)
	}
	if h.consumer.Breaker.State(ep.ID.String()) != breaker.Closed {
		t.Fatalf("expected breaker to be tripped Closed after 3 consecutive failures")
	}
	if got := h.endpoints.byID[ep.ID].Status; got != domain.StatusDisabledFailing {
		t.Fatalf("endpoint status = %s, want DisabledFailing", got)
	}

	// A fourth task for the same endpoint is rejected without recording an
	// attempt or invoking the destination.
	before := len(h.messages.byID[msg.ID].Attempts)
	if err := h.consumer.HandleTask(context.Background(), mq.SentMessage{MessageID: msg.ID, Attempt: 4}); err != nil {
		t.Fatalf("HandleTask attempt 4: %v", err)
	}
	if got := len(h.messages.byID[msg.ID].Attempts); got != before {
		t.Fatalf("rejected call recorded an attempt: had %d, now %d", before, got)
	}
}

// TestTransportFailureClassifiedAsUnknownAndRetried covers spec §8's
// transport-error scenario: a destination that refuses the connection
// yields an Unknown status, not a numeric one, and still schedules a retry.
func TestTransportFailureClassifiedAsUnknownAndRetried(t *testing.T) {
	policy, err := retrypolicy.NewBuilder().ConstantDelay(10 * time.Millisecond).MaxAttempts(5).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	now := time.Now()
	h := newHarness(policy, now)
	unroutable := mustURL(t, "http://127.0.0.1:1")
	msg, _, _ := h.seed(domain.StatusEnabledManually, unroutable, now.Add(-time.Second))

	if err := h.consumer.HandleTask(context.Background(), mq.SentMessage{MessageID: msg.ID, Attempt: 1}); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}

	saved := h.messages.byID[msg.ID]
	if len(saved.Attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(saved.Attempts))
	}
	if saved.Attempts[0].Status.IsNumeric() {
		t.Errorf("expected a non-numeric status for a transport failure")
	}

	pending, _ := h.publisher.Consume(context.Background())
	select {
	case <-pending:
	case <-time.After(time.Second):
		t.Fatalf("expected a retry to be scheduled for a transport failure")
	}
}

// TestPoisonTaskIsDroppedWithoutError covers spec §8's poison scenario: a
// task referencing a message id that was never persisted is logged and
// dropped, not treated as a persistence error.
func TestPoisonTaskIsDroppedWithoutError(t *testing.T) {
	h := newHarness(retrypolicy.Constant(time.Second), time.Now())
	err := h.consumer.HandleTask(context.Background(), mq.SentMessage{MessageID: ids.NewMessageID(), Attempt: 1})
	if err != nil {
		t.Fatalf("HandleTask on a poison task returned an error: %v", err)
	}
}

// TestReviveOnEnableResetsBreakerBeforeDelivery covers spec §8's
// revive-on-enable scenario: when an endpoint transitions back to an active
// status while the breaker still thinks it is Closed, the very next task
// revives the breaker before attempting delivery.
func TestReviveOnEnableResetsBreakerBeforeDelivery(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now()
	h := newHarness(retrypolicy.Constant(time.Second), now)
	msg, _, ep := h.seed(domain.StatusEnabledManually, mustURL(t, srv.URL), now.Add(-time.Second))

	// Force the breaker Closed for this endpoint directly, simulating a
	// prior trip, then re-enable the endpoint the way an operator would.
	forceBreakerClosed(h.consumer.Breaker, ep.ID.String())
	ep.Status = domain.StatusDisabledFailing
	h.endpoints.byID[ep.ID] = ep
	ep.Status = domain.StatusEnabledManually
	h.endpoints.byID[ep.ID] = ep

	if err := h.consumer.HandleTask(context.Background(), mq.SentMessage{MessageID: msg.ID, Attempt: 1}); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the destination to be called once after revive, got %d calls", calls)
	}
	if h.consumer.Breaker.State(ep.ID.String()) != breaker.Open {
		t.Fatalf("expected breaker to be Open after a successful delivery")
	}
}

// forceBreakerClosed trips b for key via repeated failing calls, mirroring
// how production code would have reached a Closed state.
func forceBreakerClosed(b *breaker.Breaker, key string) {
	for i := 0; i < 3; i++ {
		_, _ = breaker.Call(b, key, func() (struct{}, error) {
			return struct{}{}, fmt.Errorf("seed failure")
		})
	}
}

// TestNegativeProcessingTimeIsFatal covers spec §7's fatal assertion: a
// clock that reports an event timestamp in the future relative to now is a
// programming invariant violation. HandleTask aborts with a Fatal error
// rather than recording an attempt, so Run can avoid acking it.
func TestNegativeProcessingTimeIsFatal(t *testing.T) {
	now := time.Now()
	h := newHarness(retrypolicy.Constant(time.Second), now)
	msg, _, _ := h.seed(domain.StatusEnabledManually, mustURL(t, "http://127.0.0.1:1"), now.Add(time.Hour))

	err := h.consumer.HandleTask(context.Background(), mq.SentMessage{MessageID: msg.ID, Attempt: 1})
	if apperr.KindOf(err) != apperr.Fatal {
		t.Fatalf("KindOf(err) = %v, want Fatal", apperr.KindOf(err))
	}
	if len(h.messages.byID[msg.ID].Attempts) != 0 {
		t.Fatalf("expected no attempt to be recorded for a fatal clock-skew task")
	}
}

// TestSettleNacksFatalWithoutAck verifies the queue-facing side of a Fatal
// outcome: settle does not ack the task and nacks it with requeue, so the
// work queue redelivers it.
func TestSettleNacksFatalWithoutAck(t *testing.T) {
	now := time.Now()
	h := newHarness(retrypolicy.Constant(time.Second), now)
	msg, _, _ := h.seed(domain.StatusEnabledManually, mustURL(t, "http://127.0.0.1:1"), now.Add(time.Hour))

	var acked, nacked, requeued bool
	delivery := mq.Delivery{
		Task: mq.SentMessage{MessageID: msg.ID, Attempt: 1},
		Ack:  func() error { acked = true; return nil },
		Nack: func(requeue bool) error { nacked = true; requeued = requeue; return nil },
	}

	h.consumer.settle(context.Background(), delivery)

	if acked {
		t.Fatalf("expected a fatal outcome not to be acked")
	}
	if !nacked || !requeued {
		t.Fatalf("expected a fatal outcome to be nacked with requeue=true, got nacked=%v requeued=%v", nacked, requeued)
	}
}
