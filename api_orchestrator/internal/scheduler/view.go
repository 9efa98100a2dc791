package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"curator/api_orchestrator/internal/tasks"
)

// postCounts is today's activity read from the post store.
type postCounts struct {
	Posted   int
	Approved int
	Drafts   int
	Failed   int
}

type storedPost struct {
	Status   string `json:"status"`
	PostedAt string `json:"posted_at"`
}

// readPostCounts reads the store the publisher writes, either the
// {"posts": [...]} document or a bare list.
func readPostCounts(path, date string) (postCounts, error) {
	var counts postCounts
	data, err := os.ReadFile(path)
	if err != nil {
		return counts, err
	}
	var posts []storedPost
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(data, &posts)
	} else {
		var doc struct {
			Posts []storedPost `json:"posts"`
		}
		err = json.Unmarshal(data, &doc)
		posts = doc.Posts
	}
	if err != nil {
		return counts, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, p := range posts {
		switch p.Status {
		case "approved":
			counts.Approved++
		case "draft":
			counts.Drafts++
		case "failed", "partial_thread":
			counts.Failed++
		}
		if strings.HasPrefix(p.PostedAt, date) {
			counts.Posted++
		}
	}
	return counts, nil
}

var statusIcons = map[string]string{
	"success": "+",
	"failed":  "X",
	"timeout": "!",
	"error":   "X",
	"dry_run": "~",
}

type palette struct {
	header, ok, bad, warn, dim *color.Color
}

func newPalette(colorize bool) palette {
	p := palette{
		header: color.New(color.Bold),
		ok:     color.New(color.FgGreen),
		bad:    color.New(color.FgRed, color.Bold),
		warn:   color.New(color.FgYellow),
		dim:    color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.header, p.ok, p.bad, p.warn, p.dim} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) icon(status string) string {
	icon, ok := statusIcons[status]
	if !ok {
		icon = "?"
	}
	switch status {
	case "success":
		return p.ok.Sprint(icon)
	case "failed", "error":
		return p.bad.Sprint(icon)
	case "timeout":
		return p.warn.Sprint(icon)
	}
	return icon
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

// RenderStatus writes today's activity, each task's last run and today's
// jitter offsets.
func RenderStatus(w io.Writer, reg *tasks.Config, st *Status, now time.Time, colorize bool) {
	p := newPalette(colorize)
	loc := reg.Location()
	local := now.In(loc)
	date := local.Format(dateLayout)

	label := reg.Stream
	if label == "" {
		label = reg.Stem()
	}
	fmt.Fprintf(w, "\n  %s\n", p.header.Sprintf("%s orchestrator - %s", label, local.Format("Mon Jan 02 03:04 PM MST")))
	fmt.Fprintf(w, "  %s\n", strings.Repeat("=", 55))

	if path := reg.PostsPath(); path != "" {
		fmt.Fprintf(w, "\n  Today's activity:\n")
		counts, err := readPostCounts(path, date)
		switch {
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintf(w, "    %s\n", p.dim.Sprint("no post store yet"))
		case err != nil:
			fmt.Fprintf(w, "    %s\n", p.warn.Sprintf("post store unreadable: %v", err))
		default:
			fmt.Fprintf(w, "    Posts: %d published | %d approved | %d drafts | %d failed\n",
				counts.Posted, counts.Approved, counts.Drafts, counts.Failed)
		}
	}

	fmt.Fprintf(w, "\n  Task status:\n")
	for _, t := range reg.Tasks {
		rec, ok := st.Scripts[t.Name]
		if !ok || rec == nil {
			rec = &Record{}
		}
		last := "never"
		if !rec.LastRun.IsZero() {
			last = ago(now.Sub(rec.LastRun))
		}
		failures := ""
		if rec.ConsecutiveFailures > 0 {
			failures = p.bad.Sprintf(" (%d consecutive failures)", rec.ConsecutiveFailures)
		}
		name := t.Name
		if !t.IsEnabled() {
			name += "*"
		}
		fmt.Fprintf(w, "    [%s] %-12s  last: %-10s  today: %dx%s\n",
			p.icon(string(rec.LastStatus)), name, last, rec.RunsToday[date], failures)
		if !rec.RunningSince.IsZero() {
			fmt.Fprintf(w, "        %s\n", p.warn.Sprintf("running since %s", rec.RunningSince.In(loc).Format("15:04")))
		}
		if hint := metricHint(t.Profile, rec.LastMetrics); hint != "" {
			fmt.Fprintf(w, "        -> %s\n", hint)
		}
	}

	if st.JitterDate == date && len(st.DailyJitter) > 0 {
		fmt.Fprintf(w, "\n  Today's jitter offsets:\n")
		for _, t := range reg.Tasks {
			offsets := st.DailyJitter[t.Name]
			var parts []string
			for i, c := range t.Clocks() {
				parts = append(parts, fmt.Sprintf("%s%+dm", c, offsetAt(offsets, i)))
			}
			if len(parts) > 0 {
				fmt.Fprintf(w, "    %-12s  %s\n", t.Name, strings.Join(parts, ", "))
			}
		}
	}
	fmt.Fprintln(w)
}
