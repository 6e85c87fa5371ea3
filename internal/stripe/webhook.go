package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the maximum accepted age of a signed webhook.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature  = errors.New("stripe: missing or malformed Stripe-Signature header")
	ErrInvalidSignature  = errors.New("stripe: webhook signature mismatch")
	ErrSignatureTooOld   = errors.New("stripe: webhook timestamp outside tolerance")
	ErrMissingSigningKey = errors.New("stripe: webhook signing secret is empty")
)

// Event is a Stripe webhook event.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Created  int64     `json:"created"`
	Livemode bool      `json:"livemode"`
	Data     EventData `json:"data"`
}

// EventData carries the object the event is about.
type EventData struct {
	Object json.RawMessage `json:"object"`
}

// Subscription decodes the event object as a subscription.
func (e Event) Subscription() (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
		return nil, fmt.Errorf("decode %s subscription: %w", e.Type, err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("decode %s subscription: missing id", e.Type)
	}
	return &sub, nil
}

// CheckoutSessionObject is the part of a completed checkout session used to
// link a subscription back to a user.
type CheckoutSessionObject struct {
	ID                string       `json:"id"`
	Customer          ExpandableID `json:"customer"`
	Subscription      ExpandableID `json:"subscription"`
	ClientReferenceID string       `json:"client_reference_id"`
	Mode              string       `json:"mode"`
}

// CheckoutSession decodes the event object as a checkout session.
func (e Event) CheckoutSession() (*CheckoutSessionObject, error) {
	var cs CheckoutSessionObject
	if err := json.Unmarshal(e.Data.Object, &cs); err != nil {
		return nil, fmt.Errorf("decode %s checkout session: %w", e.Type, err)
	}
	return &cs, nil
}

// ParseEvent decodes an event without verifying its signature.
func ParseEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("parse webhook event: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return Event{}, errors.New("parse webhook event: missing id or type")
	}
	return event, nil
}

// ConstructEvent verifies the Stripe-Signature header against secret and
// decodes the event.
func ConstructEvent(payload []byte, header, secret string) (Event, error) {
	return ConstructEventAt(payload, header, secret, DefaultTolerance, time.Now())
}

// ConstructEventAt is ConstructEvent with an explicit tolerance and clock.
func ConstructEventAt(payload []byte, header, secret string, tolerance time.Duration, now time.Time) (Event, error) {
	if secret == "" {
		return Event{}, ErrMissingSigningKey
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return Event{}, err
	}

	expected := computeSignature(payload, secret, timestamp)
	matched := false
	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			matched = true
			break
		}
	}
	if !matched {
		return Event{}, ErrInvalidSignature
	}

	if tolerance > 0 && now.Sub(time.Unix(timestamp, 0)) > tolerance {
		return Event{}, ErrSignatureTooOld
	}

	return ParseEvent(payload)
}

// SignatureHeader builds a Stripe-Signature header value for payload.
func SignatureHeader(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(computeSignature(payload, secret, ts)))
}

func computeSignature(payload []byte, secret string, timestamp int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, ErrMissingSignature
	}

	var (
		timestamp  int64
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, ErrMissingSignature
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return 0, nil, ErrMissingSignature
	}
	return timestamp, signatures, nil
}
