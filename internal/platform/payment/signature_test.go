package payment

import (
	"errors"
	"strings"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v79/webhook"
)

const completedBody = `{
	"id": "evt_1",
	"type": "checkout.session.completed",
	"data": {"object": {"id": "cs_test_1", "payment_status": "paid", "payment_intent": "pi_1"}}
}`

func signed(payload []byte, secret string, at time.Time) string {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	}).Header
}

func TestConstructEvent_Signature(t *testing.T) {
	payload := []byte(completedBody)
	now := time.Now()
	valid := signed(payload, "whsec_test", now)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		ok      bool
	}{
		{"valid", payload, valid, "whsec_test", true},
		{"within tolerance", payload, signed(payload, "whsec_test", now.Add(-4*time.Minute)), "whsec_test", true},
		{"too old", payload, signed(payload, "whsec_test", now.Add(-6*time.Minute)), "whsec_test", false},
		{"wrong secret", payload, valid, "whsec_other", false},
		{"tampered body", []byte(`{"id":"evt_2","type":"checkout.session.completed"}`), valid, "whsec_test", false},
		{"empty header", payload, "", "whsec_test", false},
		{"no v1", payload, strings.Split(valid, ",")[0], "whsec_test", false},
		{"bad timestamp", payload, "t=abc,v1=00", "whsec_test", false},
		{"no secret configured", payload, valid, "", false},
		{"rolled secret", payload, valid + ",v1=deadbeef", "whsec_test", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ConstructEvent(tt.payload, tt.header, tt.secret, 5*time.Minute)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if ev.ID != "evt_1" || ev.Session == nil || ev.Session.PaymentIntent != "pi_1" {
					t.Errorf("unexpected event %+v", ev)
				}
				return
			}
			if !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestConstructEvent_SignedButMalformed(t *testing.T) {
	payload := []byte(`{"id":"evt_9","type":"checkout.session.completed","data":{"object":{}}}`)
	_, err := ConstructEvent(payload, signed(payload, "s", time.Now()), "s", 5*time.Minute)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if errors.Is(err, ErrInvalidSignature) {
		t.Errorf("a signed body must not be reported as forged: %v", err)
	}
}
