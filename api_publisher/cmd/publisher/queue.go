package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"curator/api_publisher/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and review the post store",
	}
	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueApproveCmd())
	cmd.AddCommand(newQueueRequeueCmd())
	return cmd
}

type listedItem struct {
	ID           int      `json:"id"`
	Status       string   `json:"status"`
	ScheduledFor string   `json:"scheduled_for,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	Category     string   `json:"category,omitempty"`
	Kind         string   `json:"kind"`
	Text         string   `json:"text"`
	Reason       string   `json:"reason,omitempty"`
}

func newQueueListCmd() *cobra.Command {
	var statuses []string
	var all bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List upcoming posts and drafts awaiting review",
		Example: `  publisher queue list
  publisher queue list --status failed,skipped_low_res
  publisher queue list --all --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			doc, err := e.store.Load(cmd.Context())
			if err != nil {
				return err
			}

			var want []queue.Status
			for _, s := range statuses {
				st := queue.Status(strings.TrimSpace(s))
				if !st.Known() {
					return fmt.Errorf("unknown status %q", s)
				}
				want = append(want, st)
			}
			var items []*queue.ContentItem
			switch {
			case all:
				items = doc.Posts
			case len(want) > 0:
				items = doc.WithStatus(want...)
			default:
				items = doc.WithStatus(queue.StatusApproved, queue.StatusPosting, queue.StatusDraft)
			}

			listed := make([]listedItem, 0, len(items))
			for _, it := range items {
				listed = append(listed, describe(it, e.stream.Location()))
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(listed)
			}
			if len(listed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching posts")
				return nil
			}

			width := textWidth(cmd.OutOrStdout())
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSCHEDULED\tSCORE\tCATEGORY\tTEXT")
			for _, l := range listed {
				score := "-"
				if l.Score != nil {
					score = strconv.FormatFloat(*l.Score, 'f', 1, 64)
				}
				text := l.Text
				if l.Reason != "" {
					text = l.Reason
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", l.ID, l.Status, orDash(l.ScheduledFor), score, orDash(l.Category), truncate(text, width))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nStore revision %d\n", doc.Revision)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only these statuses")
	cmd.Flags().BoolVar(&all, "all", false, "List every item")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit machine-readable JSON output")
	return cmd
}

func describe(it *queue.ContentItem, loc *time.Location) listedItem {
	l := listedItem{
		ID:       it.ID,
		Status:   string(it.Status),
		Score:    it.Score,
		Category: it.Category,
		Text:     strings.Join(strings.Fields(it.LeadText()), " "),
		Reason:   it.FailReason,
	}
	if l.Reason == "" {
		l.Reason = it.SkipReason
	}
	if it.Body != nil {
		l.Kind = string(it.Body.Kind())
	}
	if it.ScheduledFor.Valid() {
		l.ScheduledFor = it.ScheduledFor.Time().In(loc).Format("2006-01-02 15:04")
	} else {
		l.ScheduledFor = it.ScheduledFor.String()
	}
	return l
}

// columnsBeforeText is roughly what ID through CATEGORY take up.
const columnsBeforeText = 62

// textWidth fits the TEXT column to the terminal, or 60 when not writing to one.
func textWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 60
	}
	cols, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 60
	}
	return max(cols-columnsBeforeText, 20)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newQueueApproveCmd() *cobra.Command {
	var revision int64
	cmd := &cobra.Command{
		Use:   "approve <id>...",
		Short: "Approve drafts for publishing",
		Example: `  publisher queue approve 12 14
  publisher queue approve --revision 31 12`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return review(cmd, args, revision, "Approved", (*queue.ContentItem).Approve)
		},
	}
	cmd.Flags().Int64Var(&revision, "revision", -1, "Refuse to write unless the store is still at this revision (see queue list)")
	return cmd
}

func newQueueRequeueCmd() *cobra.Command {
	var revision int64
	cmd := &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Put failed, skipped or partially posted items back in the queue",
		Long: `Move items back to approved and clear their failure reason. Check the
timeline first for items that failed while posting: the post may be live.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return review(cmd, args, revision, "Requeued", (*queue.ContentItem).Requeue)
		},
	}
	cmd.Flags().Int64Var(&revision, "revision", -1, "Refuse to write unless the store is still at this revision (see queue list)")
	return cmd
}

// review applies fn to every id and saves the snapshot it loaded. The save
// fails with queue.ErrStaleWrite if a publisher run wrote in between, or if
// revision is set and the store has moved past it. Any failure leaves the
// store untouched.
func review(cmd *cobra.Command, args []string, revision int64, verb string, fn func(*queue.ContentItem) error) error {
	ids := make([]int, 0, len(args))
	for _, a := range args {
		id, err := strconv.Atoi(strings.TrimPrefix(a, "#"))
		if err != nil {
			return fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	doc, err := e.store.Load(cmd.Context())
	if err != nil {
		return err
	}
	if revision >= 0 {
		doc.Revision = revision
	}
	for _, id := range ids {
		it, err := doc.Find(id)
		if err != nil {
			return err
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	if err := e.store.Save(cmd.Context(), doc); err != nil {
		if errors.Is(err, queue.ErrStaleWrite) {
			return fmt.Errorf("%w; list the queue again and retry", err)
		}
		return err
	}
	for _, id := range ids {
		fmt.Fprintf(cmd.OutOrStdout(), "%s #%d\n", verb, id)
	}
	return nil
}
