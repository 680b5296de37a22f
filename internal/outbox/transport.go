package outbox

import (
	"context"
	"fmt"

	"github.com/user/wacopilot/internal/types"
	"github.com/user/wacopilot/pkg/remote"
)

// Transport hands one job to the remote side and returns the remote job id.
// Implementations must send job.IdempotencyKey so retries are safe.
type Transport interface {
	Dispatch(ctx context.Context, job *types.OutboxJob) (remoteJobID string, err error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, job *types.OutboxJob) (string, error)

func (f TransportFunc) Dispatch(ctx context.Context, job *types.OutboxJob) (string, error) {
	return f(ctx, job)
}

// JobClient is the part of remote.Client the transport uses.
type JobClient interface {
	EnqueueSummary(ctx context.Context, req remote.SummaryRequest, idempotencyKey string) (*remote.JobAccepted, error)
	EnqueueReport(ctx context.Context, req remote.ReportRequest, idempotencyKey string) (*remote.JobAccepted, error)
}

// RemoteTransport dispatches summary and report jobs through the remote API.
type RemoteTransport struct {
	client JobClient
}

func NewRemoteTransport(client JobClient) *RemoteTransport {
	return &RemoteTransport{client: client}
}

func (t *RemoteTransport) Dispatch(ctx context.Context, job *types.OutboxJob) (string, error) {
	payload, err := types.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return "", Permanent(err)
	}

	var accepted *remote.JobAccepted
	switch p := payload.(type) {
	case types.SummaryPayload:
		accepted, err = t.client.EnqueueSummary(ctx, remote.SummaryRequest{
			Conversation:   conversationRef(p.Conversation),
			SummaryType:    p.SummaryType,
			IncludeActions: p.IncludeActions,
		}, job.IdempotencyKey)
	case types.ReportPayload:
		accepted, err = t.client.EnqueueReport(ctx, remote.ReportRequest{
			Conversation: conversationRef(p.Conversation),
			ReportType:   p.ReportType,
			Topic:        p.Topic,
			Page:         p.Page,
			PageSize:     p.PageSize,
		}, job.IdempotencyKey)
	default:
		return "", Permanent(fmt.Errorf("unsupported job kind %q", job.Kind))
	}
	if err != nil {
		return "", err
	}
	return accepted.JobID, nil
}

func conversationRef(c types.ConversationRef) remote.ConversationRef {
	return remote.ConversationRef{
		TenantID:       c.TenantID,
		ConversationID: string(c.ConversationID),
		Title:          c.Title,
	}
}
