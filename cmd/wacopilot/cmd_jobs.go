package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/wacopilot/internal/config"
	"github.com/user/wacopilot/internal/outbox"
	"github.com/user/wacopilot/internal/types"
	"github.com/user/wacopilot/pkg/remote"
)

var (
	jobTitle          string
	jobIdempotencyKey string
	summaryType       string
	summaryActions    bool
	reportType        string
	reportTopic       string
	reportPage        int
	reportPageSize    int
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsStatsCmd, jobsListCmd, jobsRetryCmd,
		jobsEnqueueSummaryCmd, jobsEnqueueReportCmd, jobsStatusCmd)

	for _, c := range []*cobra.Command{jobsEnqueueSummaryCmd, jobsEnqueueReportCmd} {
		c.Flags().StringVar(&jobTitle, "title", "", "conversation title sent with the job")
		c.Flags().StringVar(&jobIdempotencyKey, "idempotency-key", "", "reuse a key to deduplicate on the remote side")
	}
	jobsEnqueueSummaryCmd.Flags().StringVar(&summaryType, "type", "conversation", "summary type")
	jobsEnqueueSummaryCmd.Flags().BoolVar(&summaryActions, "actions", false, "include action items")
	jobsEnqueueReportCmd.Flags().StringVar(&reportType, "type", "activity", "report type")
	jobsEnqueueReportCmd.Flags().StringVar(&reportTopic, "topic", "", "restrict the report to a topic")
	jobsEnqueueReportCmd.Flags().IntVar(&reportPage, "page", 0, "result page")
	jobsEnqueueReportCmd.Flags().IntVar(&reportPageSize, "page-size", 0, "results per page")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage the outbox queue",
}

// openQueue builds a queue over the configured outbox store. The CLI never
// starts it; the daemon flushes what is enqueued here on its next tick.
func openQueue(cfg *config.Config) (*outbox.Queue, func() error, error) {
	st, err := openStores(cfg)
	if err != nil {
		return nil, nil, err
	}
	q := outbox.NewQueue(st.outbox, outbox.NewRemoteTransport(remoteClient(cfg)),
		outbox.WithPolicy(retryPolicy(cfg)))
	return q, st.Close, nil
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, closeFn, err := openQueue(loadConfig())
		if err != nil {
			return err
		}
		defer closeFn()

		s, err := q.Stats(context.Background())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "pending:    %d\nprocessing: %d\nfailed:     %d\n", s.Pending, s.Processing, s.Failed)
		return nil
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued and failed jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, closeFn, err := openQueue(loadConfig())
		if err != nil {
			return err
		}
		defer closeFn()

		jobs, err := q.Jobs(context.Background())
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stdout, "Outbox is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tATTEMPTS\tCREATED\tNEXT ATTEMPT\tLAST ERROR")
		for _, job := range jobs {
			next := "-"
			if job.Status == types.JobStatusPending {
				next = humanize.Time(time.UnixMilli(job.NextAttemptAt))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				job.ID, job.Kind, job.Status, job.Attempts,
				humanize.Time(time.UnixMilli(job.CreatedAt)), next, oneLine(job.LastError, 60))
		}
		return w.Flush()
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return every failed job to pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, closeFn, err := openQueue(loadConfig())
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := q.RetryFailedJobs(context.Background())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Requeued %d failed job(s).\n", n)
		return nil
	},
}

func conversationRef(cfg *config.Config, id string) types.ConversationRef {
	return types.ConversationRef{
		TenantID:       cfg.TenantID,
		ConversationID: types.ConversationID(id),
		Title:          jobTitle,
	}
}

func enqueue(cfg *config.Config, payload types.JobPayload) error {
	q, closeFn, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	job, err := q.Enqueue(context.Background(), payload, jobIdempotencyKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Enqueued %s job %s (idempotency key %s).\n", job.Kind, job.ID, job.IdempotencyKey)
	return nil
}

var jobsEnqueueSummaryCmd = &cobra.Command{
	Use:   "enqueue-summary <conversation-id>",
	Short: "Queue a conversation summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		return enqueue(cfg, types.SummaryPayload{
			Conversation:   conversationRef(cfg, args[0]),
			SummaryType:    summaryType,
			IncludeActions: summaryActions,
		})
	},
}

var jobsEnqueueReportCmd = &cobra.Command{
	Use:   "enqueue-report <conversation-id>",
	Short: "Queue a conversation report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		return enqueue(cfg, types.ReportPayload{
			Conversation: conversationRef(cfg, args[0]),
			ReportType:   reportType,
			Topic:        reportTopic,
			Page:         reportPage,
			PageSize:     reportPageSize,
		})
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <remote-job-id>",
	Short: "Show the status and result of a job on the copilot API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		status, err := remoteClient(cfg).JobStatus(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("job status: %s", remote.Describe(err))
		}

		fmt.Fprintf(os.Stdout, "Job %s: %s\n", status.JobID, status.Status)
		if status.Error != "" {
			fmt.Fprintf(os.Stdout, "Error: %s\n", status.Error)
		}
		if result := status.ResultText(); result != "" {
			fmt.Fprintln(os.Stdout)
			fmt.Fprintln(os.Stdout, renderResult(result))
		}
		return nil
	},
}

// renderResult converts HTML results to Markdown for the terminal. Other
// text is printed as is.
func renderResult(s string) string {
	if !looksLikeHTML(s) {
		return s
	}
	md, err := htmltomarkdown.ConvertString(s)
	if err != nil {
		return s
	}
	return strings.TrimSpace(md)
}

func looksLikeHTML(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return false
	}
	return strings.Contains(s, "</") || strings.Contains(s, "/>")
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
