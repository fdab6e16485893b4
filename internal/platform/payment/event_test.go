package payment

import "testing"

func TestParseEvent_CheckoutCompleted(t *testing.T) {
	body := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_1",
			"client_reference_id": "ref-order",
			"payment_intent": "pi_1",
			"payment_status": "paid",
			"amount_total": 4998,
			"currency": "usd",
			"metadata": {"order_id": "meta-order"}
		}}
	}`)

	ev, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ID != "evt_1" || ev.Type != EventCheckoutCompleted {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Session == nil || ev.Session.ID != "cs_test_1" || ev.Session.PaymentIntent != "pi_1" {
		t.Fatalf("unexpected session %+v", ev.Session)
	}
	if ev.Session.AmountTotal != 4998 {
		t.Errorf("expected 4998, got %d", ev.Session.AmountTotal)
	}
	if got := ev.Session.OrderID(); got != "meta-order" {
		t.Errorf("expected metadata order id, got %s", got)
	}
	if !ev.ConfirmsPayment() {
		t.Error("expected paid completion to confirm payment")
	}
}

func TestCheckoutSession_OrderIDFallback(t *testing.T) {
	s := CheckoutSession{ClientReferenceID: "ref-order"}
	if s.OrderID() != "ref-order" {
		t.Errorf("expected client reference fallback, got %s", s.OrderID())
	}
}

func TestEvent_ConfirmsPayment(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"completed paid", Event{Type: EventCheckoutCompleted, Session: &CheckoutSession{PaymentStatus: "paid"}}, true},
		{"completed free", Event{Type: EventCheckoutCompleted, Session: &CheckoutSession{PaymentStatus: "no_payment_required"}}, true},
		{"completed unpaid", Event{Type: EventCheckoutCompleted, Session: &CheckoutSession{PaymentStatus: "unpaid"}}, false},
		{"async succeeded", Event{Type: EventCheckoutAsyncPaymentSucceeded, Session: &CheckoutSession{}}, true},
		{"other type", Event{Type: "charge.refunded"}, false},
	}
	for _, tt := range tests {
		if got := tt.ev.ConfirmsPayment(); got != tt.want {
			t.Errorf("%s: ConfirmsPayment() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseEvent_OtherTypes(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_2","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Session != nil {
		t.Error("expected no session for unrelated type")
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"type":"checkout.session.completed"}`,
		`{"id":"evt_3","type":"checkout.session.completed","data":{"object":{}}}`,
		`{"id":"evt_3","type":"checkout.session.completed","data":{"object":"x"}}`,
	} {
		if _, err := ParseEvent([]byte(body)); err == nil {
			t.Errorf("expected error for %s", body)
		}
	}
}
