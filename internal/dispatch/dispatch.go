// Package dispatch implements the dispatch consumer (spec §4.8): the
// orchestrating core that pulls delivery tasks off the work queue and
// executes one HTTP delivery attempt under the composed retry policy and
// circuit breaker, recording the outcome in all five arms the spec names.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relayhook/webhookd/internal/apperr"
	"github.com/relayhook/webhookd/internal/breaker"
	"github.com/relayhook/webhookd/internal/domain"
	"github.com/relayhook/webhookd/internal/ids"
	"github.com/relayhook/webhookd/internal/logging"
	"github.com/relayhook/webhookd/internal/metrics"
	"github.com/relayhook/webhookd/internal/mq"
	"github.com/relayhook/webhookd/internal/retrypolicy"
	"github.com/relayhook/webhookd/internal/sender"
)

// MessageStore is the slice of the persistence adapter the consumer needs
// for messages.
type MessageStore interface {
	Get(ctx context.Context, id ids.MessageID) (domain.Message, error)
	Save(ctx context.Context, msg domain.Message) error
}

// EventStore is the slice of the persistence adapter the consumer needs for
// events.
type EventStore interface {
	Get(ctx context.Context, id ids.EventID) (domain.Event, error)
}

// EndpointStore is the slice of the persistence adapter the consumer needs
// for endpoints.
type EndpointStore interface {
	Get(ctx context.Context, id ids.EndpointID) (domain.Endpoint, error)
	Save(ctx context.Context, ep domain.Endpoint) error
}

// AttemptLogStore is the slice of the persistence adapter the consumer
// needs for attempt logs.
type AttemptLogStore interface {
	Save(ctx context.Context, log domain.AttemptLog) error
}

// Clock abstracts wall-clock time so tests can control processing-lag
// measurements.
type Clock func() time.Time

// Consumer owns the breaker, retry policy, work queue, persistence, and
// sender used to process one delivery task per loop iteration.
type Consumer struct {
	Breaker   *breaker.Breaker
	Policy    retrypolicy.Policy
	Publisher mq.Publisher
	Sender    *sender.Sender

	Messages    MessageStore
	Events      EventStore
	Endpoints   EndpointStore
	AttemptLogs AttemptLogStore

	Logger *logging.Logger
	Now    Clock
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run pulls deliveries from the queue until ctx is cancelled. Per spec §7's
// propagation policy, a task is acked when it was handled or dropped as
// poison; a Persistence or Fatal outcome is nacked with requeue so the
// broker redelivers it instead of losing it to a silent ack.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan mq.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.settle(ctx, d)
		}
	}
}

func (c *Consumer) settle(ctx context.Context, d mq.Delivery) {
	err := c.HandleTask(ctx, d.Task)
	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			c.Logger.Error("ack failed", map[string]any{"message_id": d.Task.MessageID.String(), "error": ackErr.Error()})
		}
		return
	}

	c.Logger.Error("handling delivery task failed", map[string]any{
		"message_id": d.Task.MessageID.String(),
		"attempt":    d.Task.Attempt,
		"error":      err.Error(),
	})

	switch apperr.KindOf(err) {
	case apperr.Persistence, apperr.Fatal:
		if nackErr := d.Nack(true); nackErr != nil {
			c.Logger.Error("nack failed", map[string]any{"message_id": d.Task.MessageID.String(), "error": nackErr.Error()})
		}
	default:
		if ackErr := d.Ack(); ackErr != nil {
			c.Logger.Error("ack failed", map[string]any{"message_id": d.Task.MessageID.String(), "error": ackErr.Error()})
		}
	}
}

// HandleTask runs the full resolve/breaker-call/record-outcome pipeline for
// one task and returns the first error encountered. Poison tasks (missing
// Message/Event/Endpoint) are logged internally and reported as nil: settle
// acks those. A non-nil Persistence or Fatal error tells settle to nack
// with requeue instead.
func (c *Consumer) HandleTask(ctx context.Context, task mq.SentMessage) error {
	// 1. Resolve context.
	msg, err := c.Messages.Get(ctx, task.MessageID)
	if apperr.KindOf(err) == apperr.EntityNotFound {
		c.poison(task, "message not found")
		return nil
	}
	if err != nil {
		return err
	}

	event, err := c.Events.Get(ctx, msg.EventID)
	if apperr.KindOf(err) == apperr.EntityNotFound {
		c.poison(task, "event not found")
		return nil
	}
	if err != nil {
		return err
	}

	endpoint, err := c.Endpoints.Get(ctx, msg.EndpointID)
	if apperr.KindOf(err) == apperr.EntityNotFound {
		c.poison(task, "endpoint not found")
		return nil
	}
	if err != nil {
		return err
	}

	// 2. Revive-on-enable.
	if endpoint.Status.Active() && c.Breaker.State(endpoint.ID.String()) == breaker.Closed {
		c.Breaker.Revive(endpoint.ID.String())
	}

	// 3. Measure processing lag.
	processingTime := c.now().Sub(event.CreatedAt)
	if processingTime < 0 {
		return apperr.Fatalf("negative processing time for message %s: clock skew invariant violated", msg.ID)
	}

	// 4. Execute under the breaker.
	result, callErr := breaker.Call(c.Breaker, endpoint.ID.String(), func() (sender.SentResult, error) {
		return c.Sender.Send(ctx, event.Payload, endpoint.URL)
	})

	// 5. Record outcome in all five arms.
	return c.recordOutcome(ctx, &msg, endpoint, task.Attempt, processingTime, result, callErr)
}

func (c *Consumer) poison(task mq.SentMessage, reason string) {
	metrics.PoisonTasksTotal.Inc()
	c.Logger.Error("poison task dropped", map[string]any{
		"message_id": task.MessageID.String(),
		"attempt":    task.Attempt,
		"reason":     reason,
	})
}

func (c *Consumer) recordOutcome(ctx context.Context, msg *domain.Message, endpoint domain.Endpoint, attempt int, processingTime time.Duration, result sender.SentResult, callErr error) error {
	var breakerErr *breaker.Error
	switch {
	case callErr == nil:
		return c.recordDelivered(ctx, msg, processingTime, result)
	case errors.As(callErr, &breakerErr) && breakerErr.Outcome == breaker.Rejected:
		metrics.DeliveryAttemptsTotal.WithLabelValues("rejected").Inc()
		c.Logger.Info("call rejected by breaker", map[string]any{
			"endpoint_id": endpoint.ID.String(),
			"message_id":  msg.ID.String(),
		})
		return nil
	case errors.As(callErr, &breakerErr) && breakerErr.Outcome == breaker.TrippedOpen:
		return c.recordFailedOpen(ctx, msg, attempt, processingTime, sentResultFromCause(breakerErr))
	case errors.As(callErr, &breakerErr) && breakerErr.Outcome == breaker.TrippedClosed:
		return c.recordFailedClosed(ctx, msg, endpoint, attempt, processingTime, sentResultFromCause(breakerErr))
	default:
		return fmt.Errorf("dispatch: unexpected breaker error: %w", callErr)
	}
}

// sentResultFromCause recovers the SentResult the sender actually produced
// on a failed call. breaker.Call discards fn's return value on failure and
// reports only the error, so the real result travels inside the wrapped
// *sender.DeliveryError instead.
func sentResultFromCause(breakerErr *breaker.Error) sender.SentResult {
	var deliveryErr *sender.DeliveryError
	if errors.As(breakerErr.Cause, &deliveryErr) {
		return deliveryErr.Result
	}
	return sender.SentResult{Status: sender.Unknown(breakerErr.Cause.Error())}
}

func (c *Consumer) recordDelivered(ctx context.Context, msg *domain.Message, processingTime time.Duration, result sender.SentResult) error {
	recorded, err := msg.RecordAttempt(toDomainStatus(result.Status))
	if err != nil {
		return fmt.Errorf("dispatch: recording attempt: %w", err)
	}
	if err := c.Messages.Save(ctx, *msg); err != nil {
		return err
	}
	if err := c.AttemptLogs.Save(ctx, buildLog(msg.ID, recorded.No, processingTime, result)); err != nil {
		return err
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues("ok").Inc()
	metrics.DeliveryResponseTime.Observe(result.ResponseTime.Seconds())
	return nil
}

func (c *Consumer) recordFailedOpen(ctx context.Context, msg *domain.Message, attempt int, processingTime time.Duration, result sender.SentResult) error {
	recorded, err := msg.RecordAttempt(toDomainStatus(result.Status))
	if err != nil {
		return fmt.Errorf("dispatch: recording attempt: %w", err)
	}
	if err := c.Messages.Save(ctx, *msg); err != nil {
		return err
	}
	if err := c.AttemptLogs.Save(ctx, buildLog(msg.ID, recorded.No, processingTime, result)); err != nil {
		return err
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues("tripped_open").Inc()
	metrics.DeliveryResponseTime.Observe(result.ResponseTime.Seconds())

	if c.Policy.IsRetryable(attempt) {
		wait := c.Policy.WaitingTime(attempt)
		next := mq.SentMessage{MessageID: msg.ID, Attempt: attempt + 1}
		if err := c.Publisher.PublishDelayed(ctx, next, wait); err != nil {
			return apperr.Persistf(err, "publishing delayed retry for message %s", msg.ID)
		}
		metrics.RetriesScheduledTotal.Inc()
	}
	return nil
}

func (c *Consumer) recordFailedClosed(ctx context.Context, msg *domain.Message, endpoint domain.Endpoint, attempt int, processingTime time.Duration, result sender.SentResult) error {
	recorded, err := msg.RecordAttempt(toDomainStatus(result.Status))
	if err != nil {
		return fmt.Errorf("dispatch: recording attempt: %w", err)
	}
	if err := c.Messages.Save(ctx, *msg); err != nil {
		return err
	}
	if err := c.AttemptLogs.Save(ctx, buildLog(msg.ID, recorded.No, processingTime, result)); err != nil {
		return err
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues("tripped_closed").Inc()
	metrics.DeliveryResponseTime.Observe(result.ResponseTime.Seconds())
	metrics.BreakerTripsTotal.Inc()

	endpoint.Status = domain.StatusDisabledFailing
	if err := c.Endpoints.Save(ctx, endpoint); err != nil {
		return err
	}
	return nil
}

func buildLog(messageID ids.MessageID, attemptNo int, processingTime time.Duration, result sender.SentResult) domain.AttemptLog {
	return domain.AttemptLog{
		MessageID:      messageID,
		AttemptNo:      attemptNo,
		ProcessingTime: processingTime,
		ResponseTime:   result.ResponseTime,
		ResponseBody:   result.Body,
	}
}

func toDomainStatus(s sender.Status) domain.AttemptStatus {
	if s.IsNumeric() {
		return domain.Numeric(s.Code())
	}
	return domain.Unknown(s.Reason())
}
