package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"curator/pkg/clients"
	"curator/pkg/config"
	"curator/pkg/logging"
)

const (
	defaultXBaseURL   = "https://api.x.com"
	defaultXTokenURL  = "https://api.x.com/2/oauth2/token"
	defaultXAuthURL   = "https://x.com/i/oauth2/authorize"
	defaultXTokenFile = "data/.x_oauth2_token.json"
	errorBodyLimit    = 512
)

// XConfig configures the X API v2 client.
type XConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenFile    string
	// UserID skips the /2/users/me lookup when set.
	UserID  string
	Timeout time.Duration
	Logger  logging.Logger

	// HTTPClient replaces the OAuth2 client. Requests are sent as-is.
	HTTPClient *http.Client
}

// XConfigFromEnv reads X_API_BASE, X_CLIENT_ID, X_CLIENT_SECRET,
// X_TOKEN_FILE and X_USER_ID.
func XConfigFromEnv() XConfig {
	return XConfig{
		BaseURL:      config.GetEnv("X_API_BASE", defaultXBaseURL),
		ClientID:     config.GetEnv("X_CLIENT_ID", ""),
		ClientSecret: config.GetEnv("X_CLIENT_SECRET", ""),
		TokenFile:    config.GetEnv("X_TOKEN_FILE", defaultXTokenFile),
		UserID:       config.GetEnv("X_USER_ID", ""),
		Timeout:      config.GetEnvDuration("X_API_TIMEOUT", 30*time.Second),
	}
}

// XClient implements Client against the X API v2.
type XClient struct {
	baseURL string
	read    *clients.Executor
	write   *clients.Executor
	logger  logging.Logger

	mu     sync.Mutex
	userID string
}

// NewXClient builds a client. Without an injected HTTPClient it loads the
// OAuth2 user token from TokenFile and refreshes it as needed, writing
// rotated tokens back to the same file.
func NewXClient(ctx context.Context, cfg XConfig) (*XClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultXBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		if cfg.ClientID == "" {
			return nil, fmt.Errorf("X_CLIENT_ID is required")
		}
		store := NewTokenFile(cfg.TokenFile)
		tok, err := store.Load()
		if err != nil {
			return nil, err
		}
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   defaultXAuthURL,
				TokenURL:  defaultXTokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
			Scopes: []string{"tweet.read", "tweet.write", "users.read", "media.write", "offline.access"},
		}
		base := clients.NewHTTPClient(cfg.Timeout)
		// the token endpoint is called with the client stored in this context
		// for the lifetime of the token source
		tctx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, base)
		src := oauth2.ReuseTokenSource(tok, &persistingSource{
			base:   oauthCfg.TokenSource(tctx, tok),
			store:  store,
			last:   tok.AccessToken,
			logger: logger,
		})
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &oauth2.Transport{Source: src, Base: base.Transport},
		}
	}

	breaker := clients.NewBreaker(clients.DefaultBreakerConfig("x-api"))
	readCfg := clients.DefaultRetryConfig("x-api")
	readCfg.Breaker = breaker
	writeCfg := readCfg
	// creating a post is not idempotent
	writeCfg.MaxRetries = 0

	return &XClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		read:    clients.NewExecutor(httpClient, readCfg),
		write:   clients.NewExecutor(httpClient, writeCfg),
		logger:  logger,
		userID:  cfg.UserID,
	}, nil
}

type createRequest struct {
	Text        string       `json:"text"`
	Media       *createMedia `json:"media,omitempty"`
	Reply       *createReply `json:"reply,omitempty"`
	CommunityID string       `json:"community_id,omitempty"`
}

type createMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type createReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

// Publish uploads media and creates the post.
func (c *XClient) Publish(ctx context.Context, req PostRequest) (string, error) {
	body := createRequest{Text: req.Text, CommunityID: req.CommunityID}
	if len(req.MediaPaths) > 0 {
		ids := make([]string, 0, len(req.MediaPaths))
		for _, p := range req.MediaPaths {
			id, err := c.uploadMedia(ctx, p)
			if err != nil {
				return "", err
			}
			ids = append(ids, id)
		}
		body.Media = &createMedia{MediaIDs: ids}
	}
	if req.ReplyTo != "" {
		body.Reply = &createReply{InReplyToTweetID: req.ReplyTo}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, c.write, httpReq, &out); err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("create post: response carried no id")
	}
	return out.Data.ID, nil
}

func (c *XClient) uploadMedia(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read media %s: %w", path, err)
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("media_category", "tweet_image"); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/media/upload", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, c.read, req, &out); err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("upload %s: response carried no media id", filepath.Base(path))
	}
	return out.Data.ID, nil
}

type wirePost struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

type postList struct {
	Data []wirePost `json:"data"`
}

func (l postList) posts(limit int) []Post {
	out := make([]Post, 0, len(l.Data))
	for _, p := range l.Data {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, Post(p))
	}
	return out
}

// RecentOwnPosts lists the authenticated account's timeline.
func (c *XClient) RecentOwnPosts(ctx context.Context, limit int) ([]Post, error) {
	uid, err := c.me(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("max_results", fmt.Sprint(clamp(limit, 5, 100)))
	q.Set("tweet.fields", "created_at,author_id")
	var out postList
	if err := c.get(ctx, "/2/users/"+url.PathEscape(uid)+"/tweets", q, &out); err != nil {
		return nil, fmt.Errorf("list own posts: %w", err)
	}
	return out.posts(limit), nil
}

// SearchRecent runs a recent-search query.
func (c *XClient) SearchRecent(ctx context.Context, query string, limit int) ([]Post, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("max_results", fmt.Sprint(clamp(limit, 10, 100)))
	q.Set("tweet.fields", "created_at,author_id")
	var out postList
	if err := c.get(ctx, "/2/tweets/search/recent", q, &out); err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	return out.posts(limit), nil
}

func (c *XClient) me(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return c.userID, nil
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/2/users/me", nil, &out); err != nil {
		return "", fmt.Errorf("look up account: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("look up account: response carried no id")
	}
	c.userID = out.Data.ID
	return c.userID, nil
}

func (c *XClient) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, c.read, req, out)
}

func (c *XClient) doJSON(ctx context.Context, exec *clients.Executor, req *http.Request, out any) error {
	resp, err := exec.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	msg := strings.TrimSpace(string(detail))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if reset := resp.Header.Get("x-rate-limit-reset"); reset != "" {
			return fmt.Errorf("%w (resets at %s)", ErrRateLimited, reset)
		}
		return ErrRateLimited
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	default:
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
