package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"curator/api_publisher/internal/media"
	"curator/api_publisher/internal/queue"
	"curator/pkg/logging"
)

// MediaFetcher downloads a URL to a local file.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string, force bool) (string, error)
}

// mediaPlan is the local files for each post of the item, in order.
type mediaPlan struct {
	posts [][]string
}

func (m mediaPlan) count() int {
	n := 0
	for _, p := range m.posts {
		n += len(p)
	}
	return n
}

func (m mediaPlan) lead() []string {
	if len(m.posts) == 0 {
		return nil
	}
	return m.posts[0]
}

type mediaVerdict int

const (
	mediaOK mediaVerdict = iota
	mediaLowRes
	mediaUnavailable
)

// imageCheck is one source's outcome.
type imageCheck struct {
	path string
	ok   bool
	err  error
}

// prepareMedia resolves, downloads and checks every image of it. When none
// meets the minimum it downloads everything again bypassing the cache before
// giving up. Images that fail are dropped; the rest go out.
func (p *Pipeline) prepareMedia(ctx context.Context, it *queue.ContentItem) (mediaPlan, mediaVerdict, string) {
	sources := p.mediaSources(it)
	total := 0
	for _, s := range sources {
		total += len(s)
	}
	if total == 0 {
		return mediaPlan{posts: make([][]string, len(sources))}, mediaOK, ""
	}

	checks := p.checkAll(ctx, sources, false)
	if good(checks) == 0 {
		p.logger.WithFields(logging.Fields{"post_id": it.ID, "images": total}).
			Warn("No image meets the minimum size, downloading again without the cache")
		checks = p.checkAll(ctx, sources, true)
	}

	plan := mediaPlan{posts: make([][]string, len(sources))}
	var firstErr error
	downloaded := 0
	for i, src := range sources {
		for _, u := range src {
			c := checks[u]
			if c.path != "" || errors.Is(c.err, media.ErrTooSmall) {
				downloaded++
			} else if firstErr == nil {
				firstErr = c.err
			}
			if c.ok {
				plan.posts[i] = append(plan.posts[i], c.path)
			} else {
				p.logger.WithFields(logging.Fields{"post_id": it.ID, "url": u}).WithError(c.err).Warn("Dropping image")
			}
		}
	}

	if n := good(checks); n == 0 {
		if downloaded == 0 && firstErr != nil {
			return plan, mediaUnavailable, fmt.Sprintf("image download failed: %v", firstErr)
		}
		return plan, mediaLowRes, fmt.Sprintf("%d of %d images meet the %dpx minimum", n, len(checks), p.limits.MinImagePixels)
	}
	return plan, mediaOK, ""
}

// mediaSources lists image sources per post. A local pre-downloaded image
// replaces the lead post's URLs.
func (p *Pipeline) mediaSources(it *queue.ContentItem) [][]string {
	var sources [][]string
	switch b := it.Body.(type) {
	case queue.Thread:
		sources = make([][]string, len(b.Tweets))
		if len(b.Tweets) > 0 {
			sources[0] = it.LeadImageURLs()
		}
		for i := 1; i < len(b.Tweets); i++ {
			sources[i] = b.TweetImageURLs(i)
		}
	default:
		sources = [][]string{it.LeadImageURLs()}
	}
	if local := p.localImage(it); local != "" {
		sources[0] = []string{localPrefix + local}
	}
	return sources
}

const localPrefix = "file://"

func (p *Pipeline) localImage(it *queue.ContentItem) string {
	if it.Image == "" {
		return ""
	}
	path := it.Image
	if !filepath.IsAbs(path) && p.baseDir != "" {
		path = filepath.Join(p.baseDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		p.logger.WithFields(logging.Fields{"post_id": it.ID, "image": path}).Warn("Pre-downloaded image is missing, using URLs")
		return ""
	}
	return path
}

func (p *Pipeline) checkAll(ctx context.Context, sources [][]string, force bool) map[string]imageCheck {
	checks := map[string]imageCheck{}
	for _, src := range sources {
		for _, u := range src {
			if _, done := checks[u]; done {
				continue
			}
			checks[u] = p.check(ctx, u, force)
		}
	}
	return checks
}

func (p *Pipeline) check(ctx context.Context, src string, force bool) imageCheck {
	path, local := strings.CutPrefix(src, localPrefix)
	if !local {
		fetched, err := p.media.Fetch(ctx, src, force)
		if err != nil {
			return imageCheck{err: err}
		}
		path = fetched
	}
	w, h, err := p.probe(path)
	if err != nil {
		return imageCheck{path: path, err: err}
	}
	minPx := p.limits.MinImagePixels
	if w < minPx || h < minPx {
		return imageCheck{path: path, err: fmt.Errorf("image is %dx%d, minimum %dpx", w, h, minPx)}
	}
	return imageCheck{path: path, ok: true}
}

func good(checks map[string]imageCheck) int {
	n := 0
	for _, c := range checks {
		if c.ok {
			n++
		}
	}
	return n
}
