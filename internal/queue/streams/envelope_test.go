package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{
		EventID:        "evt-1",
		EventType:      EventTaskSubmitted,
		PayloadVersion: PayloadVersionV1,
		Data:           json.RawMessage(`{"user_id":"u1","description":"archive inbox"}`),
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Fatalf("occurred_at should be defaulted")
	}
}

func TestEnvelopeValidateBasicMissingFields(t *testing.T) {
	cases := []Envelope{
		{EventType: EventTaskSubmitted, PayloadVersion: PayloadVersionV1, Data: json.RawMessage(`{}`)},
		{EventID: "e", PayloadVersion: PayloadVersionV1, Data: json.RawMessage(`{}`)},
		{EventID: "e", EventType: EventTaskSubmitted, Data: json.RawMessage(`{}`)},
		{EventID: "e", EventType: EventTaskSubmitted, PayloadVersion: PayloadVersionV1},
		{EventID: "e", EventType: EventTaskSubmitted, PayloadVersion: PayloadVersionV1, Attempt: -1, Data: json.RawMessage(`{}`)},
	}
	for i, env := range cases {
		if err := env.ValidateBasic(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	sub := TaskSubmission{UserID: "u1", Description: "archive inbox"}
	data, _ := json.Marshal(sub)
	env := Envelope{
		EventID:        "evt-1",
		EventType:      EventTaskSubmitted,
		OccurredAt:     time.Now().UTC(),
		PayloadVersion: PayloadVersionV1,
		Data:           data,
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decoded, err := got.Submission()
	if err != nil {
		t.Fatalf("submission: %v", err)
	}
	if decoded.UserID != "u1" || decoded.Description != "archive inbox" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestSubmissionRejectsWrongEventType(t *testing.T) {
	env := Envelope{
		EventID:        "evt-1",
		EventType:      "task.cancelled",
		PayloadVersion: PayloadVersionV1,
		Data:           json.RawMessage(`{"description":"x"}`),
	}
	if _, err := env.Submission(); err == nil {
		t.Fatalf("expected event type rejection")
	}
}

func TestSubmissionRequiresDescription(t *testing.T) {
	env := Envelope{
		EventID:        "evt-1",
		EventType:      EventTaskSubmitted,
		PayloadVersion: PayloadVersionV1,
		Data:           json.RawMessage(`{"user_id":"u1"}`),
	}
	if _, err := env.Submission(); err == nil {
		t.Fatalf("expected missing description rejection")
	}
}
