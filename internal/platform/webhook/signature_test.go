package webhook

import "testing"

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"treatment_plan.updated"}`)
	sig := SignPayload(payload, "s3cret")

	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`{"type":"x"}`), "s3cret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

func TestVerifyHeader(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := SignPayload(payload, "s3cret")

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", "sha256=" + sig, true},
		{"surrounding space", "  sha256=" + sig + " ", true},
		{"missing prefix", sig, false},
		{"empty", "", false},
		{"prefix only", "sha256=", false},
		{"wrong", "sha256=deadbeef", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyHeader(payload, "s3cret", tt.header); got != tt.want {
				t.Errorf("VerifyHeader(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}
