package scheduler

import (
	"fmt"
	"strings"
)

func (c Capture) one() string {
	if len(c) == 1 {
		return c[0]
	}
	return ""
}

func valueOr(captures map[string]Capture, label, def string) string {
	if c, ok := captures[label]; ok && len(c) == 1 {
		return c[0]
	}
	return def
}

func nonEmpty(lines []string) []string {
	var out []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// successSummary builds the notification body for a successful run of a
// task with the given profile. An empty result means nothing worth sending.
func successSummary(profile string, captures map[string]Capture, parts []string) string {
	switch profile {
	case "post":
		return strings.Join(nonEmpty(parts), "\n")
	case "ig_post":
		if n := valueOr(captures, "ig_posts_crossposted", "0"); n != "0" {
			return fmt.Sprintf("Cross-posted %s to Instagram", n)
		}
	case "engage":
		if s := captures["summary"]; len(s) == 3 {
			return fmt.Sprintf("Likes: %s, Replies: %s, Follows: %s", s[0], s[1], s[2])
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
		return "Engagement run complete"
	case "ig_engage":
		if s := captures["summary"]; len(s) == 3 {
			return fmt.Sprintf("Likes: %s, Comments: %s, Follows: %s", s[0], s[1], s[2])
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
		return "IG engagement run complete"
	case "bookmarks":
		if fetched := valueOr(captures, "bookmarks_fetched", "0"); fetched != "0" {
			return fmt.Sprintf("Fetched %s bookmarks, %s new drafts", fetched, valueOr(captures, "drafts_created", "0"))
		}
	case "respond":
		if n := valueOr(captures, "responses", "0"); n != "0" {
			return fmt.Sprintf("Sent %s responses", n)
		}
	case "thread":
		if tp := captures["thread_posted"]; len(tp) == 2 {
			return fmt.Sprintf("Thread: %s (%s tweets)", tp[0], tp[1])
		}
	case "audit":
		if u := captures["unfollowed"]; len(u) == 3 {
			return fmt.Sprintf("Unfollowed %s/%s (%s remaining)", u[0], u[1], u[2])
		}
		return fmt.Sprintf("Audit complete, keeping %s", valueOr(captures, "keep_count", "?"))
	}
	return ""
}

// metricHint is the one-line digest of a run shown under the task in the
// status view.
func metricHint(profile string, captures map[string]Capture) string {
	if s, ok := captures["summary"]; ok && (profile == "engage" || profile == "ig_engage") {
		if len(s) == 3 {
			second := "replies"
			if profile == "ig_engage" {
				second = "comments"
			}
			return fmt.Sprintf("%s likes, %s %s, %s follows", s[0], s[1], second, s[2])
		}
		return strings.Join(s, ", ")
	}
	switch {
	case captures["posted_url"].one() != "":
		return captures["posted_url"].one()
	case has(captures, "no_posts_ready"):
		return "no posts ready"
	case captures["ig_posts_crossposted"].one() != "":
		return captures["ig_posts_crossposted"].one() + " cross-posted to IG"
	case captures["drafts_created"].one() != "":
		return captures["drafts_created"].one() + " drafts created"
	case len(captures["thread_posted"]) == 2:
		tp := captures["thread_posted"]
		return fmt.Sprintf("%s tweets: %s", tp[1], tp[0])
	case has(captures, "responses"):
		return captures["responses"].one() + " responses sent"
	}
	return ""
}

func has(captures map[string]Capture, label string) bool {
	_, ok := captures[label]
	return ok
}
