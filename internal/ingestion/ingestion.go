// Package ingestion implements the online ingestion path (spec §4.7): event
// acceptance, persistence, routing to subscribed active endpoints, and
// enqueuing one delivery task per matching endpoint. It also owns the
// administrative CRUD for applications and endpoints that the HTTP surface
// in spec §6 names.
package ingestion

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relayhook/webhookd/internal/apperr"
	"github.com/relayhook/webhookd/internal/domain"
	"github.com/relayhook/webhookd/internal/ids"
	"github.com/relayhook/webhookd/internal/metrics"
	"github.com/relayhook/webhookd/internal/mq"
)

// Clock abstracts wall-clock time so tests can control event timestamps.
type Clock func() time.Time

// ApplicationStore is the slice of the persistence adapter ingestion needs
// for applications.
type ApplicationStore interface {
	Get(ctx context.Context, id ids.ApplicationID) (domain.Application, error)
	Save(ctx context.Context, app domain.Application) error
}

// EndpointStore is the slice of the persistence adapter ingestion needs for
// endpoints.
type EndpointStore interface {
	Get(ctx context.Context, id ids.EndpointID) (domain.Endpoint, error)
	Save(ctx context.Context, ep domain.Endpoint) error
	ForTopic(ctx context.Context, appID ids.ApplicationID, topic string) ([]domain.Endpoint, error)
}

// EventStore is the slice of the persistence adapter ingestion needs for
// events.
type EventStore interface {
	Save(ctx context.Context, ev domain.Event) error
}

// MessageStore is the slice of the persistence adapter ingestion needs for
// messages.
type MessageStore interface {
	Save(ctx context.Context, msg domain.Message) error
}

// Service implements the ingestion path and administrative CRUD.
type Service struct {
	applications ApplicationStore
	endpoints    EndpointStore
	events       EventStore
	messages     MessageStore
	publisher    mq.Publisher
	now          Clock
}

// New constructs a Service. now defaults to time.Now when nil.
func New(applications ApplicationStore, endpoints EndpointStore, events EventStore, messages MessageStore, publisher mq.Publisher, now Clock) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		applications: applications,
		endpoints:    endpoints,
		events:       events,
		messages:     messages,
		publisher:    publisher,
		now:          now,
	}
}

// CreateApplication validates name and persists a new Application.
func (s *Service) CreateApplication(ctx context.Context, name string) (domain.Application, error) {
	trimmed, err := domain.ValidateApplicationName(name)
	if err != nil {
		return domain.Application{}, apperr.Invalidf("%v", err)
	}
	app := domain.Application{ID: ids.NewApplicationID(), Name: trimmed}
	if err := s.applications.Save(ctx, app); err != nil {
		return domain.Application{}, err
	}
	return app, nil
}

// CreateEndpoint validates url and topics, checks the application exists,
// and persists a new Endpoint in status Initial.
func (s *Service) CreateEndpoint(ctx context.Context, appID ids.ApplicationID, rawURL string, topics []string) (domain.Endpoint, error) {
	u, err := domain.ValidateURL(rawURL)
	if err != nil {
		return domain.Endpoint{}, apperr.Invalidf("%v", err)
	}
	validTopics, err := domain.ValidateTopics(topics)
	if err != nil {
		return domain.Endpoint{}, apperr.Invalidf("%v", err)
	}
	if _, err := s.applications.Get(ctx, appID); err != nil {
		return domain.Endpoint{}, err
	}

	ep := domain.Endpoint{
		ID:     ids.NewEndpointID(),
		AppID:  appID,
		URL:    u,
		Topics: validTopics,
		Status: domain.StatusInitial,
	}
	if err := s.endpoints.Save(ctx, ep); err != nil {
		return domain.Endpoint{}, err
	}
	return ep, nil
}

// DisableEndpoint transitions endpoint epID to DisabledManually.
func (s *Service) DisableEndpoint(ctx context.Context, appID ids.ApplicationID, epID ids.EndpointID) error {
	return s.transition(ctx, appID, epID, domain.StatusDisabledManually)
}

// EnableEndpoint transitions endpoint epID to EnabledManually.
func (s *Service) EnableEndpoint(ctx context.Context, appID ids.ApplicationID, epID ids.EndpointID) error {
	return s.transition(ctx, appID, epID, domain.StatusEnabledManually)
}

func (s *Service) transition(ctx context.Context, appID ids.ApplicationID, epID ids.EndpointID, to domain.EndpointStatus) error {
	ep, err := s.endpoints.Get(ctx, epID)
	if err != nil {
		return err
	}
	if ep.AppID != appID {
		return apperr.NotFoundf("endpoint %s not found in application %s", epID, appID)
	}
	if err := ep.Status.Transition(to); err != nil {
		return apperr.Invalidf("%v", err)
	}
	ep.Status = to
	return s.endpoints.Save(ctx, ep)
}

// IngestEvent implements the spec §4.7 algorithm: validate, persist the
// Event, fan out to every active endpoint subscribed to its topic, and
// enqueue one delivery task per endpoint. It never performs HTTP delivery
// itself; that is the dispatch consumer's job.
func (s *Service) IngestEvent(ctx context.Context, appID ids.ApplicationID, topic string, payload []byte) (ids.EventID, error) {
	validTopic, err := domain.ValidateTopic(topic)
	if err != nil {
		return ids.EventID{}, apperr.Invalidf("%v", err)
	}
	if !json.Valid(payload) {
		return ids.EventID{}, apperr.Invalidf("payload is not valid JSON")
	}

	if _, err := s.applications.Get(ctx, appID); err != nil {
		return ids.EventID{}, err
	}

	event := domain.Event{
		ID:        ids.NewEventID(),
		AppID:     appID,
		Payload:   payload,
		Topic:     validTopic,
		CreatedAt: s.now().UTC(),
	}
	if err := s.events.Save(ctx, event); err != nil {
		return ids.EventID{}, err
	}
	metrics.EventsIngestedTotal.Inc()

	endpoints, err := s.endpoints.ForTopic(ctx, appID, validTopic)
	if err != nil {
		return ids.EventID{}, err
	}

	for _, ep := range endpoints {
		if !ep.Status.Active() {
			continue
		}
		msg := domain.Message{
			ID:         ids.NewMessageID(),
			EventID:    event.ID,
			EndpointID: ep.ID,
		}
		if err := s.messages.Save(ctx, msg); err != nil {
			return ids.EventID{}, err
		}
		if err := s.publisher.Publish(ctx, mq.SentMessage{MessageID: msg.ID, Attempt: 1}); err != nil {
			return ids.EventID{}, apperr.Persistf(err, "publishing delivery task for message %s", msg.ID)
		}
	}

	return event.ID, nil
}
