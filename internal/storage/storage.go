// Package storage is the persistence adapter: CRUD for applications,
// endpoints, events, messages, and attempt logs over Postgres via
// database/sql and lib/pq, with the message+attempt upsert required by
// spec §4.6 run inside one transaction.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/lib/pq"

	"github.com/relayhook/webhookd/internal/apperr"
	"github.com/relayhook/webhookd/internal/domain"
	"github.com/relayhook/webhookd/internal/ids"
)

// Store wraps a connection pool and exposes one repository per entity.
type Store struct {
	db *sql.DB

	Applications *ApplicationRepo
	Endpoints    *EndpointRepo
	Events       *EventRepo
	Messages     *MessageRepo
	AttemptLogs  *AttemptLogRepo
}

// Open opens a Postgres connection pool at dsn and tunes it for a
// moderate-traffic delivery service.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: opening connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: pinging database: %w", err)
	}

	return &Store{
		db:           db,
		Applications: &ApplicationRepo{db: db},
		Endpoints:    &EndpointRepo{db: db},
		Events:       &EventRepo{db: db},
		Messages:     &MessageRepo{db: db},
		AttemptLogs:  &AttemptLogRepo{db: db},
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity, used by the HTTP health check handler.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB exposes the underlying pool for metrics.StartDBStatsCollector.
func (s *Store) DB() *sql.DB { return s.db }

// ApplicationRepo persists Application entities.
type ApplicationRepo struct{ db *sql.DB }

// Get loads an application by id.
func (r *ApplicationRepo) Get(ctx context.Context, id ids.ApplicationID) (domain.Application, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT name FROM applications WHERE id = $1`, id.String()).Scan(&name)
	if err == sql.ErrNoRows {
		return domain.Application{}, apperr.NotFoundf("application %s not found", id)
	}
	if err != nil {
		return domain.Application{}, apperr.Persistf(err, "loading application %s", id)
	}
	return domain.Application{ID: id, Name: name}, nil
}

// Save inserts an application. Applications are never mutated, so this is a
// plain insert rather than an upsert.
func (r *ApplicationRepo) Save(ctx context.Context, app domain.Application) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO applications (id, name) VALUES ($1, $2)`,
		app.ID.String(), app.Name,
	)
	if err != nil {
		return apperr.Persistf(err, "saving application %s", app.ID)
	}
	return nil
}

// EndpointRepo persists Endpoint entities.
type EndpointRepo struct{ db *sql.DB }

// Get loads an endpoint by id.
func (r *EndpointRepo) Get(ctx context.Context, id ids.EndpointID) (domain.Endpoint, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT app_id, url, topics, status FROM endpoints WHERE id = $1`, id.String())
	ep, err := scanEndpoint(row, id)
	if err == sql.ErrNoRows {
		return domain.Endpoint{}, apperr.NotFoundf("endpoint %s not found", id)
	}
	if err != nil {
		return domain.Endpoint{}, apperr.Persistf(err, "loading endpoint %s", id)
	}
	return ep, nil
}

// Save inserts or updates an endpoint, including its status.
func (r *EndpointRepo) Save(ctx context.Context, ep domain.Endpoint) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO endpoints (id, app_id, url, topics, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, topics = EXCLUDED.topics, url = EXCLUDED.url
	`, ep.ID.String(), ep.AppID.String(), ep.URL.String(), pq.Array(ep.Topics), string(ep.Status))
	if err != nil {
		return apperr.Persistf(err, "saving endpoint %s", ep.ID)
	}
	return nil
}

// ForTopic returns every endpoint in appID subscribed to topic, regardless
// of status — filtering to active endpoints is the ingestion path's job.
func (r *EndpointRepo) ForTopic(ctx context.Context, appID ids.ApplicationID, topic string) ([]domain.Endpoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, app_id, url, topics, status FROM endpoints
		WHERE app_id = $1 AND $2 = ANY(topics)
	`, appID.String(), topic)
	if err != nil {
		return nil, apperr.Persistf(err, "loading endpoints for app %s topic %s", appID, topic)
	}
	defer rows.Close()

	var out []domain.Endpoint
	for rows.Next() {
		ep, err := scanEndpointRow(rows)
		if err != nil {
			return nil, apperr.Persistf(err, "scanning endpoint row")
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistf(err, "iterating endpoint rows")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner, id ids.EndpointID) (domain.Endpoint, error) {
	var (
		appIDStr string
		urlStr   string
		topics   pq.StringArray
		status   string
	)
	if err := row.Scan(&appIDStr, &urlStr, &topics, &status); err != nil {
		return domain.Endpoint{}, err
	}
	return buildEndpoint(id.String(), appIDStr, urlStr, []string(topics), status)
}

func scanEndpointRow(row rowScanner) (domain.Endpoint, error) {
	var (
		idStr    string
		appIDStr string
		urlStr   string
		topics   pq.StringArray
		status   string
	)
	if err := row.Scan(&idStr, &appIDStr, &urlStr, &topics, &status); err != nil {
		return domain.Endpoint{}, err
	}
	return buildEndpoint(idStr, appIDStr, urlStr, []string(topics), status)
}

func buildEndpoint(idStr, appIDStr, urlStr string, topics []string, status string) (domain.Endpoint, error) {
	id, err := ids.ParseEndpointID(idStr)
	if err != nil {
		return domain.Endpoint{}, err
	}
	appID, err := ids.ParseApplicationID(appIDStr)
	if err != nil {
		return domain.Endpoint{}, err
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return domain.Endpoint{}, err
	}
	return domain.Endpoint{
		ID:     id,
		AppID:  appID,
		URL:    u,
		Topics: topics,
		Status: domain.EndpointStatus(status),
	}, nil
}

// EventRepo persists Event entities.
type EventRepo struct{ db *sql.DB }

// Get loads an event by id.
func (r *EventRepo) Get(ctx context.Context, id ids.EventID) (domain.Event, error) {
	var (
		appIDStr  string
		payload   []byte
		topic     string
		createdAt time.Time
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT app_id, payload, topic, created_at FROM events WHERE id = $1`, id.String(),
	).Scan(&appIDStr, &payload, &topic, &createdAt)
	if err == sql.ErrNoRows {
		return domain.Event{}, apperr.NotFoundf("event %s not found", id)
	}
	if err != nil {
		return domain.Event{}, apperr.Persistf(err, "loading event %s", id)
	}
	appID, err := ids.ParseApplicationID(appIDStr)
	if err != nil {
		return domain.Event{}, apperr.Persistf(err, "parsing app id on event %s", id)
	}
	return domain.Event{ID: id, AppID: appID, Payload: payload, Topic: topic, CreatedAt: createdAt.UTC()}, nil
}

// Save inserts an event. Events are immutable once created.
func (r *EventRepo) Save(ctx context.Context, ev domain.Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, app_id, payload, topic, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID.String(), ev.AppID.String(), ev.Payload, ev.Topic, ev.CreatedAt)
	if err != nil {
		return apperr.Persistf(err, "saving event %s", ev.ID)
	}
	return nil
}

// MessageRepo persists Message entities and their attempts.
type MessageRepo struct{ db *sql.DB }

// Get loads a message and all of its attempts, ordered by attempt number.
func (r *MessageRepo) Get(ctx context.Context, id ids.MessageID) (domain.Message, error) {
	var eventIDStr, endpointIDStr string
	err := r.db.QueryRowContext(ctx,
		`SELECT event_id, endpoint_id FROM messages WHERE id = $1`, id.String(),
	).Scan(&eventIDStr, &endpointIDStr)
	if err == sql.ErrNoRows {
		return domain.Message{}, apperr.NotFoundf("message %s not found", id)
	}
	if err != nil {
		return domain.Message{}, apperr.Persistf(err, "loading message %s", id)
	}

	eventID, err := ids.ParseEventID(eventIDStr)
	if err != nil {
		return domain.Message{}, apperr.Persistf(err, "parsing event id on message %s", id)
	}
	endpointID, err := ids.ParseEndpointID(endpointIDStr)
	if err != nil {
		return domain.Message{}, apperr.Persistf(err, "parsing endpoint id on message %s", id)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT attempt_no, status_numeric, status_code, status_unknown
		FROM attempts WHERE message_id = $1 ORDER BY attempt_no ASC
	`, id.String())
	if err != nil {
		return domain.Message{}, apperr.Persistf(err, "loading attempts for message %s", id)
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		var (
			no            int
			statusNumeric bool
			statusCode    sql.NullInt64
			statusUnknown sql.NullString
		)
		if err := rows.Scan(&no, &statusNumeric, &statusCode, &statusUnknown); err != nil {
			return domain.Message{}, apperr.Persistf(err, "scanning attempt row")
		}
		var status domain.AttemptStatus
		if statusNumeric {
			status = domain.Numeric(int(statusCode.Int64))
		} else {
			status = domain.Unknown(statusUnknown.String)
		}
		attempts = append(attempts, domain.Attempt{No: no, Status: status})
	}
	if err := rows.Err(); err != nil {
		return domain.Message{}, apperr.Persistf(err, "iterating attempt rows")
	}

	return domain.Message{ID: id, EventID: eventID, EndpointID: endpointID, Attempts: attempts}, nil
}

// Save upserts msg's row and, transactionally, each of its attempt rows.
// The attempts table carries a UNIQUE(message_id, attempt_no) constraint;
// ON CONFLICT DO NOTHING makes reinsertion of an identical attempt (from a
// duplicate work-queue delivery) a no-op rather than an error.
func (r *MessageRepo) Save(ctx context.Context, msg domain.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistf(err, "beginning transaction for message %s", msg.ID)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, event_id, endpoint_id) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID.String(), msg.EventID.String(), msg.EndpointID.String())
	if err != nil {
		return apperr.Persistf(err, "upserting message %s", msg.ID)
	}

	for _, a := range msg.Attempts {
		var numeric bool
		var code sql.NullInt64
		var unknown sql.NullString
		if a.Status.IsNumeric() {
			numeric, code.Int64, code.Valid = true, int64(a.Status.Code()), true
		} else {
			unknown.String, unknown.Valid = a.Status.Reason(), true
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attempts (message_id, attempt_no, status_numeric, status_code, status_unknown)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (message_id, attempt_no) DO NOTHING
		`, msg.ID.String(), a.No, numeric, code, unknown)
		if err != nil {
			return apperr.Persistf(err, "upserting attempt %d of message %s", a.No, msg.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Persistf(err, "committing message %s", msg.ID)
	}
	return nil
}

// AttemptLogRepo persists append-only AttemptLog entries.
type AttemptLogRepo struct{ db *sql.DB }

// Save inserts log. Idempotent on (message_id, attempt_no) via ON CONFLICT
// DO NOTHING, matching the message/attempt idempotency story.
func (r *AttemptLogRepo) Save(ctx context.Context, log domain.AttemptLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attempt_logs (message_id, attempt_no, processing_time_ms, response_time_ms, response_body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, attempt_no) DO NOTHING
	`, log.MessageID.String(), log.AttemptNo, log.ProcessingTime.Milliseconds(), log.ResponseTime.Milliseconds(), log.ResponseBody)
	if err != nil {
		return apperr.Persistf(err, "saving attempt log %s#%d", log.MessageID, log.AttemptNo)
	}
	return nil
}
