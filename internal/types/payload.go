package types

import (
	"encoding/json"
	"fmt"
)

type JobKind string

const (
	JobKindSummary JobKind = "summary"
	JobKindReport  JobKind = "report"
)

// JobPayload is the tagged union of queued job bodies. Each kind owns its
// payload schema.
type JobPayload interface {
	Kind() JobKind
}

// ConversationRef identifies a conversation on the remote service.
type ConversationRef struct {
	TenantID       string         `json:"tenant_id"`
	ConversationID ConversationID `json:"conversation_id"`
	Title          string         `json:"title,omitempty"`
}

type SummaryPayload struct {
	Conversation   ConversationRef `json:"conversation"`
	SummaryType    string          `json:"summary_type"`
	IncludeActions bool            `json:"include_actions"`
}

func (SummaryPayload) Kind() JobKind { return JobKindSummary }

type ReportPayload struct {
	Conversation ConversationRef `json:"conversation"`
	ReportType   string          `json:"report_type"`
	Topic        string          `json:"topic,omitempty"`
	Page         int             `json:"page,omitempty"`
	PageSize     int             `json:"page_size,omitempty"`
}

func (ReportPayload) Kind() JobKind { return JobKindReport }

// PayloadConversation returns the conversation a payload refers to.
func PayloadConversation(p JobPayload) ConversationRef {
	switch v := p.(type) {
	case SummaryPayload:
		return v.Conversation
	case *SummaryPayload:
		return v.Conversation
	case ReportPayload:
		return v.Conversation
	case *ReportPayload:
		return v.Conversation
	}
	return ConversationRef{}
}

// ParseJobKind validates a kind string.
func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case JobKindSummary, JobKindReport:
		return JobKind(s), nil
	}
	return "", fmt.Errorf("unknown job kind: %q", s)
}

// EncodePayload marshals a payload for persistence.
func EncodePayload(p JobPayload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// DecodePayload restores the typed payload for a persisted job.
func DecodePayload(kind JobKind, raw json.RawMessage) (JobPayload, error) {
	switch kind {
	case JobKindSummary:
		var p SummaryPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal summary payload: %w", err)
		}
		return p, nil
	case JobKindReport:
		var p ReportPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal report payload: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown job kind: %q", kind)
}
