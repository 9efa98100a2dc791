package scheduler

import (
	"regexp"
	"strings"

	"curator/api_orchestrator/internal/tasks"
)

type extractor struct {
	label string
	re    *regexp.Regexp
}

func builtin(pairs ...string) []extractor {
	out := make([]extractor, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, extractor{label: pairs[i+1], re: regexp.MustCompile(pairs[i])})
	}
	return out
}

// builtinExtractors are keyed by task profile.
var builtinExtractors = map[string][]extractor{
	"post": builtin(
		`Posted successfully: (.+)`, "posted_url",
		`No posts ready`, "no_posts_ready",
		`IG cross-post done \((\d+) images?\)`, "ig_images",
	),
	"ig_post": builtin(
		`Instagram: (\d+) post`, "ig_posts_crossposted",
		`Found (\d+) post\(s\) to cross-post`, "ig_posts_found",
	),
	"engage": builtin(
		`Done\. Likes: (\d+), Replies: (\d+), Follows: (\d+)`, "summary",
	),
	"ig_engage": builtin(
		`IG engage: (\d+) likes, (\d+) comments, (\d+) follows`, "summary",
	),
	"bookmarks": builtin(
		`New drafts created:\s*(\d+)`, "drafts_created",
		`Bookmarks fetched:\s*(\d+)`, "bookmarks_fetched",
	),
	"thread": builtin(
		`Thread posted: (.+?) \((\d+) tweets\)`, "thread_posted",
		`DRY RUN`, "dry_run",
	),
	"respond": builtin(
		`Done\. Responses: (\d+)`, "responses",
		`Found (\d+) new replies`, "replies_found",
	),
	"audit": builtin(
		`Unfollowed (\d+)/(\d+) this run \((\d+) remaining\)`, "unfollowed",
		`Keep:\s+(\d+)`, "keep_count",
		`Recommend unfollow:\s+(\d+)`, "unfollow_count",
	),
}

const lastLinesKept = 5

func extractorsFor(t *tasks.Task) []extractor {
	if len(t.Metrics) > 0 {
		out := make([]extractor, 0, len(t.Metrics))
		for _, m := range t.Metrics {
			out = append(out, extractor{label: m.Label, re: m.Regexp()})
		}
		return out
	}
	return builtinExtractors[t.Profile]
}

// extract applies each extractor's first match to stdout and keeps the last
// non-empty lines.
func extract(exs []extractor, stdout string) (map[string]Capture, []string) {
	captures := map[string]Capture{}
	for _, ex := range exs {
		m := ex.re.FindStringSubmatch(stdout)
		if m == nil {
			continue
		}
		captures[ex.label] = append(Capture{}, m[1:]...)
	}

	var lines []string
	for _, l := range strings.Split(stdout, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > lastLinesKept {
		lines = lines[len(lines)-lastLinesKept:]
	}
	return captures, lines
}

var logPrefix = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}\s+(INFO|WARNING|ERROR)\s+`)

// stripLogPrefix removes a "15:04:05 INFO " style prefix.
func stripLogPrefix(line string) string {
	return logPrefix.ReplaceAllString(line, "")
}
