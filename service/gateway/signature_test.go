package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	header := sign(payload, "whsec_test", time.Now())

	assert.NoError(t, VerifySignature(payload, header, "whsec_test", DefaultTolerance))
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := sign(payload, "whsec_other", time.Now())

	err := VerifySignature(payload, header, "whsec_test", DefaultTolerance)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifySignatureRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1","amount":100}`)
	header := sign(payload, "whsec_test", time.Now())
	tampered := []byte(`{"id":"evt_1","amount":99999}`)

	err := VerifySignature(tampered, header, "whsec_test", DefaultTolerance)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := sign(payload, "whsec_test", time.Now().Add(-time.Hour))

	err := VerifySignature(payload, header, "whsec_test", DefaultTolerance)
	assert.ErrorIs(t, err, ErrSignatureExpired)
}

func TestVerifySignatureRejectsMalformedHeader(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)

	for _, header := range []string{"", "garbage", "t=notanumber,v1=aa", "t=123"} {
		err := VerifySignature(payload, header, "whsec_test", DefaultTolerance)
		assert.ErrorIs(t, err, ErrInvalidSignatureHeader, "header %q", header)
	}
}

func TestConstructEvent(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payout.failed","data":{"object":{"id":"po_1","status":"failed"}}}`)
	header := sign(payload, "whsec_test", time.Now())

	event, err := ConstructEvent(payload, header, "whsec_test")
	require.NoError(t, err)

	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "payout.failed", event.Type)
	assert.JSONEq(t, `{"id":"po_1","status":"failed"}`, string(event.Data.Object))
}
