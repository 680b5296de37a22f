package remote

import "encoding/json"

// ConversationRef identifies the conversation a request is about.
type ConversationRef struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
}

// SuggestionRequest is the POST /v1/suggestions body. Messages are ordered
// oldest to newest.
type SuggestionRequest struct {
	Conversation  ConversationRef `json:"conversation"`
	Locale        string          `json:"locale,omitempty"`
	Tone          string          `json:"tone,omitempty"`
	ContextWindow int             `json:"context_window"`
	Messages      []string        `json:"messages"`
}

type Suggestion struct {
	Rank      int    `json:"rank"`
	Content   string `json:"content"`
	Rationale string `json:"rationale,omitempty"`
}

type SuggestionResponse struct {
	Suggestions  []Suggestion `json:"suggestions"`
	QualityScore *float64     `json:"quality_score,omitempty"`
	HITLRequired bool         `json:"hitl_required,omitempty"`
}

// SummaryRequest is the POST /v1/summaries body.
type SummaryRequest struct {
	Conversation   ConversationRef `json:"conversation"`
	SummaryType    string          `json:"summary_type"`
	IncludeActions bool            `json:"include_actions"`
}

// ReportRequest is the POST /v1/reports body.
type ReportRequest struct {
	Conversation ConversationRef `json:"conversation"`
	ReportType   string          `json:"report_type"`
	Topic        string          `json:"topic,omitempty"`
	Page         int             `json:"page,omitempty"`
	PageSize     int             `json:"page_size,omitempty"`
}

// JobAccepted is returned when the API accepts an asynchronous job.
type JobAccepted struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url,omitempty"`
}

// Remote job states reported by GET /v1/jobs/{id}.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobDone       = "done"
	JobFailed     = "failed"
)

type JobStatus struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ResultText returns the result as a string: JSON strings are unquoted,
// objects with an "html", "markdown" or "text" field yield that field, and
// anything else is returned raw.
func (s *JobStatus) ResultText() string {
	if len(s.Result) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(s.Result, &str); err == nil {
		return str
	}
	var obj map[string]any
	if err := json.Unmarshal(s.Result, &obj); err == nil {
		for _, key := range []string{"html", "markdown", "text"} {
			if v, ok := obj[key].(string); ok {
				return v
			}
		}
	}
	return string(s.Result)
}
