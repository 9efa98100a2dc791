// Package platform talks to the social network the pipeline publishes to.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRateLimited is returned when the platform answered 429.
	ErrRateLimited = errors.New("platform rate limit reached")
	// ErrRejected is returned for a 4xx the platform will not accept on retry.
	ErrRejected = errors.New("platform rejected the request")
)

// Post is a published post as the platform reports it.
type Post struct {
	ID        string
	Text      string
	AuthorID  string
	CreatedAt time.Time
}

// PostRequest is one post to create. MediaPaths are local files.
type PostRequest struct {
	Text        string
	MediaPaths  []string
	ReplyTo     string
	CommunityID string
}

// Publisher creates posts.
type Publisher interface {
	Publish(ctx context.Context, req PostRequest) (string, error)
}

// Client is everything the pipeline needs from the platform.
type Client interface {
	Publisher
	// RecentOwnPosts returns the account's latest posts, newest first.
	RecentOwnPosts(ctx context.Context, limit int) ([]Post, error)
	SearchRecent(ctx context.Context, query string, limit int) ([]Post, error)
}

// ThreadPart is one post of a reply chain.
type ThreadPart struct {
	Text       string
	MediaPaths []string
}

// PauseFunc waits between thread posts. It is not called after the last one.
type PauseFunc func(ctx context.Context, after int) error

// PublishThread posts parts as a reply chain. communityID applies to the
// first post only. On failure it returns the ids already posted together
// with the error, so the caller can record a partial thread.
func PublishThread(ctx context.Context, p Publisher, parts []ThreadPart, communityID string, pause PauseFunc) ([]string, error) {
	ids := make([]string, 0, len(parts))
	for i, part := range parts {
		req := PostRequest{Text: part.Text, MediaPaths: part.MediaPaths}
		if i == 0 {
			req.CommunityID = communityID
		} else {
			req.ReplyTo = ids[len(ids)-1]
		}
		id, err := p.Publish(ctx, req)
		if err != nil {
			return ids, fmt.Errorf("thread post %d/%d: %w", i+1, len(parts), err)
		}
		ids = append(ids, id)
		if i < len(parts)-1 && pause != nil {
			if err := pause(ctx, i); err != nil {
				return ids, fmt.Errorf("thread post %d/%d: %w", i+2, len(parts), err)
			}
		}
	}
	return ids, nil
}

// PostURL is the public link for a post.
func PostURL(handle, id string) string {
	return fmt.Sprintf("https://x.com/%s/status/%s", strings.TrimPrefix(handle, "@"), id)
}
