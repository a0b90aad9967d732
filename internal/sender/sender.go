// Package sender performs the one HTTP POST at the heart of a delivery
// attempt and classifies its outcome into a SentResult, never letting a
// transport error escape as a naked error type the caller has to sniff.
package sender

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Status is either a numeric HTTP status code or an opaque description of a
// transport-level failure (connection refused, DNS, timeout, TLS).
type Status struct {
	numeric bool
	code    int
	unknown string
}

// Numeric constructs a Status carrying an HTTP status code.
func Numeric(code int) Status { return Status{numeric: true, code: code} }

// Unknown constructs a Status for a transport failure.
func Unknown(reason string) Status { return Status{unknown: reason} }

// IsNumeric reports whether the status carries an HTTP status code.
func (s Status) IsNumeric() bool { return s.numeric }

// Code returns the numeric status code; only meaningful if IsNumeric.
func (s Status) Code() int { return s.code }

// Reason returns the transport-failure description; only meaningful if
// !IsNumeric.
func (s Status) Reason() string { return s.unknown }

func (s Status) String() string {
	if s.numeric {
		return http.StatusText(s.code)
	}
	return s.unknown
}

// SentResult is the outcome of one delivery attempt.
type SentResult struct {
	Status       Status
	ResponseTime time.Duration
	Body         *string // nil for transport failures
}

// DeliveryError wraps a non-2xx SentResult so it can travel as a Go error
// while still carrying the full result for logging and persistence.
type DeliveryError struct {
	Result SentResult
}

func (e *DeliveryError) Error() string {
	return "sender: delivery failed with status " + e.Result.Status.String()
}

// Sender performs one HTTP POST per call. The zero value is not usable;
// construct with New.
type Sender struct {
	client *http.Client
}

// New returns a Sender whose requests time out after timeout.
func New(timeout time.Duration) *Sender {
	return &Sender{client: &http.Client{Timeout: timeout}}
}

// Send POSTs payload (raw JSON) to dest with content-type application/json,
// measuring wall-clock response time. A 2xx response yields (result, nil).
// A non-2xx response yields (result, *DeliveryError) where result.Status is
// Numeric. A transport failure yields (result, *DeliveryError) where
// result.Status is Unknown and result.Body is nil.
func (s *Sender) Send(ctx context.Context, payload []byte, dest *url.URL) (SentResult, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.String(), bytes.NewReader(payload))
	if err != nil {
		result := SentResult{Status: Unknown(err.Error()), ResponseTime: time.Since(start)}
		return result, &DeliveryError{Result: result}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		result := SentResult{Status: Unknown(err.Error()), ResponseTime: time.Since(start)}
		return result, &DeliveryError{Result: result}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		result := SentResult{Status: Unknown(err.Error()), ResponseTime: elapsed}
		return result, &DeliveryError{Result: result}
	}
	bodyStr := string(body)

	result := SentResult{
		Status:       Numeric(resp.StatusCode),
		ResponseTime: elapsed,
		Body:         &bodyStr,
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return result, nil
	}
	return result, &DeliveryError{Result: result}
}
