// Package ids implements the k-sortable, prefixed opaque identifiers used
// throughout webhookd. Every entity id is a ksuid.KSUID rendered as
// "<prefix>_<27-char-base62>"; the prefix is checked on parse so an
// application id can never be accepted where an endpoint id is expected.
package ids

import (
	"fmt"
	"strings"

	"github.com/segmentio/ksuid"
)

// ApplicationID identifies a tenant application.
type ApplicationID struct{ k ksuid.KSUID }

// EndpointID identifies a webhook destination within an application.
type EndpointID struct{ k ksuid.KSUID }

// EventID identifies an ingested event.
type EventID struct{ k ksuid.KSUID }

// MessageID identifies a single endpoint's delivery record for an event.
type MessageID struct{ k ksuid.KSUID }

const (
	applicationPrefix = "app"
	endpointPrefix    = "ep"
	eventPrefix       = "evt"
	messagePrefix     = "rmsg"
)

// NewApplicationID mints a fresh application id.
func NewApplicationID() ApplicationID { return ApplicationID{ksuid.New()} }

// NewEndpointID mints a fresh endpoint id.
func NewEndpointID() EndpointID { return EndpointID{ksuid.New()} }

// NewEventID mints a fresh event id.
func NewEventID() EventID { return EventID{ksuid.New()} }

// NewMessageID mints a fresh message id.
func NewMessageID() MessageID { return MessageID{ksuid.New()} }

func (id ApplicationID) String() string { return applicationPrefix + "_" + id.k.String() }
func (id EndpointID) String() string    { return endpointPrefix + "_" + id.k.String() }
func (id EventID) String() string       { return eventPrefix + "_" + id.k.String() }
func (id MessageID) String() string     { return messagePrefix + "_" + id.k.String() }

// IsZero reports whether id is the zero value rather than a minted id.
func (id ApplicationID) IsZero() bool { return id.k.IsNil() }
func (id EndpointID) IsZero() bool    { return id.k.IsNil() }
func (id EventID) IsZero() bool       { return id.k.IsNil() }
func (id MessageID) IsZero() bool     { return id.k.IsNil() }

func parse(prefix, s string) (ksuid.KSUID, error) {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	if !ok {
		return ksuid.Nil, fmt.Errorf("ids: %q does not have prefix %q", s, prefix)
	}
	k, err := ksuid.Parse(rest)
	if err != nil {
		return ksuid.Nil, fmt.Errorf("ids: %q: %w", s, err)
	}
	return k, nil
}

// ParseApplicationID parses a string previously produced by String, rejecting
// any value that does not carry the "app_" prefix.
func ParseApplicationID(s string) (ApplicationID, error) {
	k, err := parse(applicationPrefix, s)
	return ApplicationID{k}, err
}

// ParseEndpointID parses a string previously produced by String, rejecting
// any value that does not carry the "ep_" prefix.
func ParseEndpointID(s string) (EndpointID, error) {
	k, err := parse(endpointPrefix, s)
	return EndpointID{k}, err
}

// ParseEventID parses a string previously produced by String, rejecting any
// value that does not carry the "evt_" prefix.
func ParseEventID(s string) (EventID, error) {
	k, err := parse(eventPrefix, s)
	return EventID{k}, err
}

// ParseMessageID parses a string previously produced by String, rejecting
// any value that does not carry the "rmsg_" prefix.
func ParseMessageID(s string) (MessageID, error) {
	k, err := parse(messagePrefix, s)
	return MessageID{k}, err
}

// MarshalText implements encoding.TextMarshaler so these ids round-trip
// through JSON as plain strings.
func (id ApplicationID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id EndpointID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id EventID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id MessageID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }

func (id *ApplicationID) UnmarshalText(b []byte) error {
	parsed, err := ParseApplicationID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *EndpointID) UnmarshalText(b []byte) error {
	parsed, err := ParseEndpointID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *EventID) UnmarshalText(b []byte) error {
	parsed, err := ParseEventID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *MessageID) UnmarshalText(b []byte) error {
	parsed, err := ParseMessageID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AttemptID identifies a single delivery attempt of a message. Unlike the
// other ids it is not a freestanding ksuid: attempts are numbered 1..N per
// message (see domain.Attempt), so the id is the compound key itself rather
// than an opaque token. String renders it as "<message-id>#<no>" for log
// lines; there is no Parse counterpart because nothing needs to round-trip
// an attempt id through an external API.
type AttemptID struct {
	Message MessageID
	No      int
}

func (id AttemptID) String() string {
	return fmt.Sprintf("%s#%d", id.Message, id.No)
}
