package ids

import "testing"

func TestApplicationIDRoundTrip(t *testing.T) {
	id := NewApplicationID()
	parsed, err := ParseApplicationID(id.String())
	if err != nil {
		t.Fatalf("ParseApplicationID: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: got %s want %s", parsed, id)
	}
}

func TestParseRejectsWrongPrefix(t *testing.T) {
	ep := NewEndpointID()
	if _, err := ParseApplicationID(ep.String()); err == nil {
		t.Fatalf("expected ParseApplicationID to reject an endpoint id, got nil error")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ParseEventID("not-an-id"); err == nil {
		t.Fatalf("expected error parsing garbage input")
	}
	if _, err := ParseEventID("evt_"); err == nil {
		t.Fatalf("expected error parsing empty ksuid body")
	}
}

func TestNewIDsAreNonZeroAndDistinct(t *testing.T) {
	a, b := NewEventID(), NewEventID()
	if a.IsZero() || b.IsZero() {
		t.Fatalf("freshly minted ids should not be zero")
	}
	if a == b {
		t.Fatalf("two calls to NewEventID produced the same id")
	}
}

func TestStringPrefixes(t *testing.T) {
	cases := []struct {
		name   string
		s      string
		prefix string
	}{
		{"application", NewApplicationID().String(), "app_"},
		{"endpoint", NewEndpointID().String(), "ep_"},
		{"event", NewEventID().String(), "evt_"},
		{"message", NewMessageID().String(), "rmsg_"},
	}
	for _, tc := range cases {
		if len(tc.s) <= len(tc.prefix) || tc.s[:len(tc.prefix)] != tc.prefix {
			t.Errorf("%s: %q does not start with %q", tc.name, tc.s, tc.prefix)
		}
	}
}

func TestAttemptIDString(t *testing.T) {
	msg := NewMessageID()
	id := AttemptID{Message: msg, No: 3}
	want := msg.String() + "#3"
	if got := id.String(); got != want {
		t.Errorf("AttemptID.String() = %q, want %q", got, want)
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	id := NewEndpointID()
	b, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var got EndpointID
	if err := got.UnmarshalText(b); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if got != id {
		t.Fatalf("UnmarshalText round trip mismatch: got %s want %s", got, id)
	}
}
