package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/feedbackd/internal/engine"
	"github.com/roach88/feedbackd/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Journal string
	Token   string
	Limit   int
}

// TraceEntry is one journal entry in the timeline.
type TraceEntry struct {
	Seq        int64          `json:"seq"`
	RequestID  uint32         `json:"request_id"`
	Kind       string         `json:"kind"`
	Code       string         `json:"code,omitempty"`
	Sinks      []string       `json:"sinks,omitempty"`
	Fallback   bool           `json:"fallback,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// TraceResult is the timeline of one token.
type TraceResult struct {
	Token    string       `json:"token"`
	Event    string       `json:"event"`
	Timeline []TraceEntry `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats summarizes a timeline.
type TraceStats struct {
	Entries   int  `json:"entries"`
	Failures  int  `json:"failures"`
	Fallback  bool `json:"fallback"`
	Completed bool `json:"completed"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the journal of a request",
		Long: `Show the lifecycle of a request from the journal.

With --token, prints every entry recorded under that token, fallback replay
included. Without it, lists the most recently active requests.

Examples:
  feedbackd trace --journal ./feedbackd.db
  feedbackd trace --journal ./feedbackd.db --token 0190a1b2-...
  feedbackd trace --journal ./feedbackd.db --limit 5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to the SQLite journal (required)")
	_ = cmd.MarkFlagRequired("journal")
	cmd.Flags().StringVar(&opts.Token, "token", "", "request token to trace")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "number of requests to list without --token")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	// Opening would create an empty journal; a typo should fail instead.
	if _, err := os.Stat(opts.Journal); err != nil {
		return WrapExitError(ExitCommandError, "journal not found", err)
	}
	st, err := journal.Open(opts.Journal)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	if opts.Token == "" {
		return listRecent(ctx, f, st, opts.Limit)
	}

	entries, err := st.ReadToken(ctx, opts.Token)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	if len(entries) == 0 {
		_ = f.Error("E_NOT_FOUND", fmt.Sprintf("no entries for token %s", opts.Token), nil)
		return NewExitError(ExitFailure, "token not found")
	}

	result := buildTrace(opts.Token, entries)
	if f.JSON() {
		return f.Success(result)
	}

	f.Printf("Token: %s\nEvent: %s\n\n", result.Token, result.Event)
	for _, e := range result.Timeline {
		f.Printf("  [%d] #%d %s", e.Seq, e.RequestID, e.Kind)
		if e.Code != "" {
			f.Printf(" %s", e.Code)
		}
		if len(e.Sinks) > 0 {
			f.Printf(" %s", strings.Join(e.Sinks, ","))
		}
		if e.Fallback {
			f.Printf(" (fallback)")
		}
		f.Printf("\n")
	}
	f.Printf("\n%d entries, %d failure(s), fallback=%t, completed=%t\n",
		result.Stats.Entries, result.Stats.Failures, result.Stats.Fallback, result.Stats.Completed)
	return nil
}

func buildTrace(token string, entries []engine.Entry) TraceResult {
	result := TraceResult{Token: token, Timeline: make([]TraceEntry, 0, len(entries))}
	for _, e := range entries {
		if result.Event == "" {
			result.Event = e.Event
		}
		te := TraceEntry{
			Seq:       e.Seq,
			RequestID: e.RequestID,
			Kind:      string(e.Kind),
			Code:      string(e.Code),
			Sinks:     e.Sinks,
			Fallback:  e.Fallback,
		}
		if len(e.Properties) > 0 {
			te.Properties = toAnyMap(e.Properties)
		}
		result.Timeline = append(result.Timeline, te)

		switch e.Kind {
		case engine.EntryFailed:
			result.Stats.Failures++
		case engine.EntryFallback:
			result.Stats.Fallback = true
		}
	}
	result.Stats.Entries = len(entries)
	// A fallback finishes the first attempt; only the last entry is terminal.
	result.Stats.Completed = entries[len(entries)-1].Kind == engine.EntryFinished
	return result
}

func listRecent(ctx context.Context, f *OutputFormatter, st *journal.Store, limit int) error {
	sums, err := st.Recent(ctx, limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	if f.JSON() {
		return f.Success(sums)
	}
	if len(sums) == 0 {
		f.Printf("No requests recorded.\n")
		return nil
	}
	for _, s := range sums {
		state := "running"
		if s.Done() {
			state = "done"
		}
		f.Printf("%s  %-12s #%-4d %-8s failures=%d fallback=%t\n",
			s.Token, s.Event, s.RequestID, state, s.Failures, s.Fallback)
	}
	return nil
}
