package gateway

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

// DefaultTolerance is how far a webhook's signed timestamp may drift from now
// before the delivery is rejected as a possible replay.
const DefaultTolerance = 5 * time.Minute

var (
	ErrInvalidSignatureHeader = errors.New("invalid Stripe-Signature header")
	ErrSignatureMismatch      = errors.New("webhook signature verification failed")
	ErrSignatureExpired       = errors.New("webhook timestamp outside of tolerance")
)

// Event is the gateway's webhook envelope. Data.Object is left raw and
// decoded per event kind by the webhook handler.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// VerifySignature checks the Stripe-Signature header against the raw request
// body: HMAC-SHA256 over "<timestamp>.<payload>" with the endpoint secret,
// compared in constant time against every v1 candidate in the header.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) error {
	var timestamp int64
	var signatures [][]byte

	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			t, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return ErrInvalidSignatureHeader
			}
			timestamp = t
		case "v1":
			sig, err := hex.DecodeString(parts[1])
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return ErrInvalidSignatureHeader
	}

	if tolerance > 0 {
		drift := time.Since(time.Unix(timestamp, 0))
		if drift > tolerance || drift < -tolerance {
			return ErrSignatureExpired
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// ConstructEvent verifies the signature and parses the event envelope.
// Nothing may be mutated off a webhook whose signature does not verify.
func ConstructEvent(payload []byte, header, secret string) (*Event, error) {
	if err := VerifySignature(payload, header, secret, DefaultTolerance); err != nil {
		return nil, err
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("error parsing webhook payload: %w", err)
	}
	return &event, nil
}
