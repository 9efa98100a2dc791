package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"curator/api_publisher/internal/queue"
	"curator/pkg/logging"
)

func newEnqueueCmd() *cobra.Command {
	var file string
	var mode string
	var approve bool

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add items to the stream's post store",
		Long: `Read one item or an array of items as JSON and insert them. Each item
gets the next id and, unless it already has one, a scheduled_for from the
stream's planner. Items whose source_url is already queued are skipped.`,
		Example: `  publisher enqueue --file candidate.json
  fetcher | publisher enqueue --approve --mode random`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			items, err := readItems(in)
			if err != nil {
				return err
			}
			planner, err := queue.NewPlanner(e.stream.PlannerConfig())
			if err != nil {
				return err
			}
			added, err := enqueue(cmd, e, planner, items, queue.PlanMode(mode), approve)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %d of %d item(s)\n", added, len(items))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file to read, - for stdin")
	cmd.Flags().StringVar(&mode, "mode", string(queue.PlanAuto), "Scheduling mode: auto, fixed or random")
	cmd.Flags().BoolVar(&approve, "approve", false, "Queue as approved instead of draft")

	return cmd
}

// readItems accepts a single object or an array.
func readItems(r io.Reader) ([]*queue.ContentItem, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no items on input")
	}
	if data[0] == '[' {
		var items []*queue.ContentItem
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
		return items, nil
	}
	var item queue.ContentItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return []*queue.ContentItem{&item}, nil
}

// enqueue schedules and inserts items in one locked update so concurrent
// enqueues cannot take the same id or slot.
func enqueue(cmd *cobra.Command, e *env, planner *queue.Planner, items []*queue.ContentItem, mode queue.PlanMode, approve bool) (int, error) {
	out := cmd.OutOrStdout()
	added := 0
	_, err := e.store.Update(cmd.Context(), func(doc *queue.Document) error {
		added = 0
		for _, it := range items {
			if it.SourceURL != "" && doc.AlreadyQueued(it.SourceURL) {
				fmt.Fprintf(out, "Already in queue: %s\n", it.SourceURL)
				continue
			}
			switch {
			case approve:
				it.Status = queue.StatusApproved
			case it.Status == "":
				it.Status = queue.StatusDraft
			}
			if !it.ScheduledFor.Valid() {
				slot, err := planner.NextSlot(doc, mode)
				if err != nil {
					return err
				}
				it.ScheduledFor = queue.NewTimestamp(slot)
			}
			id := doc.Add(it)
			added++
			e.logger.WithFields(logging.Fields{
				"post_id":       id,
				"status":        it.Status,
				"scheduled_for": it.ScheduledFor.String(),
			}).Info("Queued post")
			fmt.Fprintf(out, "Queued #%d (%s) for %s\n", id, it.Status, it.ScheduledFor.Time().In(e.stream.Location()).Format(time.RFC3339))
		}
		return nil
	})
	return added, err
}

func newNextSlotCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "next-slot",
		Short: "Print the next free posting time for the stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			planner, err := queue.NewPlanner(e.stream.PlannerConfig())
			if err != nil {
				return err
			}
			doc, err := e.store.Load(cmd.Context())
			if err != nil {
				return err
			}
			slot, err := planner.NextSlot(doc, queue.PlanMode(mode))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s mode)\n", slot.Format(time.RFC3339), planner.Mode(queue.PlanMode(mode)))
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(queue.PlanAuto), "Scheduling mode: auto, fixed or random")
	return cmd
}
