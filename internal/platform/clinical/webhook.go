package clinical

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SignatureHeader carries "sha256=<hex hmac>" over the raw body when a
// shared webhook secret is configured.
const SignatureHeader = "X-Webhook-Signature"

const (
	EventLabOrderStatusUpdated = "lab_order.status_updated"
	EventLabOrderCreated       = "lab_order.created"
)

// Challenge is the subscription handshake; the receiver echoes the value.
type Challenge struct {
	Value string
}

// Event is a decoded lab order notification.
type Event struct {
	ID              string
	Type            string
	TreatmentPlanID string
	LabOrderID      string
	Status          string
}

// ParseWebhook decodes a delivery into exactly one of a challenge or an
// event.
func ParseWebhook(body []byte) (*Challenge, *Event, error) {
	var raw struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		ID        string `json:"id"`
		Event     string `json:"event_type"`
		Data      struct {
			TreatmentPlanID string `json:"treatment_plan_id"`
			LabOrderID      string `json:"lab_order_id"`
			Status          string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode clinical webhook: %w", err)
	}
	if raw.Challenge != "" {
		return &Challenge{Value: raw.Challenge}, nil, nil
	}

	typ := raw.Event
	if typ == "" {
		typ = raw.Type
	}
	if typ == "" {
		return nil, nil, fmt.Errorf("decode clinical webhook: missing event type")
	}
	return nil, &Event{
		ID:              raw.ID,
		Type:            typ,
		TreatmentPlanID: strings.TrimSpace(raw.Data.TreatmentPlanID),
		LabOrderID:      strings.TrimSpace(raw.Data.LabOrderID),
		Status:          raw.Data.Status,
	}, nil
}

// statusMap translates upstream lab order statuses to order status names.
// Several upstream spellings collapse onto one internal state.
var statusMap = map[string]string{
	"ordered":             "lab_ordered",
	"requisition_created": "lab_ordered",
	"kit_shipped":         "kit_shipped",
	"shipped":             "kit_shipped",
	"kit_delivered":       "kit_delivered",
	"delivered":           "kit_delivered",
	"specimen_received":   "specimen_received",
	"sample_received":     "specimen_received",
	"processing":          "processing",
	"partial_results":     "processing",
	"results_ready":       "results_ready",
	"resulted":            "results_ready",
	"completed":           "completed",
}

// MapStatus returns the internal status name for an upstream value. ok is
// false for statuses the table does not know.
func MapStatus(upstream string) (status string, ok bool) {
	status, ok = statusMap[strings.ToLower(strings.TrimSpace(upstream))]
	return status, ok
}
