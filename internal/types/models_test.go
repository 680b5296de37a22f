package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPayloadRoundTripKeepsKind(t *testing.T) {
	p := ReportPayload{
		Conversation: ConversationRef{TenantID: "local", ConversationID: "wa:jid:1@c.us"},
		ReportType:   "topics",
		Topic:        "billing",
		Page:         2,
		PageSize:     20,
	}

	raw, err := EncodePayload(p)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodePayload(JobKindReport, raw)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := decoded.(ReportPayload)
	if !ok {
		t.Fatalf("expected ReportPayload, got %T", decoded)
	}
	if got.Topic != "billing" || got.Page != 2 {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestDecodePayloadUnknownKind(t *testing.T) {
	if _, err := DecodePayload("digest", json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := ParseJobKind("digest"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestOutboxJobDue(t *testing.T) {
	now := time.UnixMilli(10_000)
	job := &OutboxJob{Status: JobStatusPending, NextAttemptAt: 10_000}
	if !job.Due(now) {
		t.Error("job scheduled at now should be due")
	}
	job.NextAttemptAt = 10_001
	if job.Due(now) {
		t.Error("future job should not be due")
	}
	job.NextAttemptAt = 0
	job.Status = JobStatusFailed
	if job.Due(now) {
		t.Error("failed job should never be due")
	}
}

func TestOutboxJobCloneIsDeep(t *testing.T) {
	job := &OutboxJob{ID: NewJobID(), Payload: json.RawMessage(`{"a":1}`)}
	c := job.Clone()
	c.Payload[2] = 'b'
	if string(job.Payload) != `{"a":1}` {
		t.Errorf("clone shares payload: %s", job.Payload)
	}
}
