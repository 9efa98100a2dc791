// Package media downloads post images into a local cache and probes their
// pixel dimensions.
package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"curator/pkg/atomicfile"
	"curator/pkg/clients"
	"curator/pkg/logging"
)

const (
	// MinDownloadBytes rejects placeholder and error images served with 200.
	MinDownloadBytes = 10 * 1024
	maxDownloadBytes = 32 << 20
)

var (
	// ErrTooSmall means the response body was under MinDownloadBytes.
	ErrTooSmall = errors.New("download too small to be a real image")
	// ErrUnsupported means the file is not a decodable image.
	ErrUnsupported = errors.New("unsupported image format")
)

type Config struct {
	Dir      string
	Executor *clients.Executor
	Logger   logging.Logger
}

// Cache stores downloads as <dir>/<md5(url)><ext>.
type Cache struct {
	dir    string
	exec   *clients.Executor
	logger logging.Logger
}

func NewCache(cfg Config) *Cache {
	exec := cfg.Executor
	if exec == nil {
		exec = clients.NewExecutor(clients.NewHTTPClient(60*time.Second), clients.DefaultRetryConfig("media"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Cache{dir: cfg.Dir, exec: exec, logger: logger}
}

// Fetch returns a local path for rawURL, downloading it unless a cached copy
// exists. force skips the cache and overwrites it.
func (c *Cache) Fetch(ctx context.Context, rawURL string, force bool) (string, error) {
	src := UpgradeURL(rawURL)
	dest := c.pathFor(rawURL)
	if !force {
		if st, err := os.Stat(dest); err == nil && st.Size() >= MinDownloadBytes {
			return dest, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", src, err)
	}
	req.Header.Set("User-Agent", "curator/1.0")
	resp, err := c.exec.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", src, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", src, err)
	}
	if len(data) < MinDownloadBytes {
		return "", fmt.Errorf("%w: %s is %d bytes", ErrTooSmall, src, len(data))
	}
	if err := atomicfile.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	c.logger.WithFields(logging.Fields{"url": src, "path": dest, "bytes": len(data)}).Debug("Downloaded media")
	return dest, nil
}

func (c *Cache) pathFor(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+extension(rawURL))
}

func extension(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return ".jpg"
	}
	if f := u.Query().Get("format"); f != "" {
		return "." + strings.ToLower(f)
	}
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return ext
	default:
		return ".jpg"
	}
}

// UpgradeURL asks the Twitter image CDN for the original resolution:
// pbs.twimg.com/media/X.jpg becomes pbs.twimg.com/media/X?format=jpg&name=orig.
func UpgradeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host != "pbs.twimg.com" {
		return rawURL
	}
	q := u.Query()
	if q.Get("name") == "orig" {
		return rawURL
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		u.Path = strings.TrimSuffix(u.Path, path.Ext(u.Path))
		q.Set("format", strings.TrimPrefix(ext, "."))
	default:
		if q.Get("format") == "" {
			return rawURL
		}
	}
	q.Set("name", "orig")
	u.RawQuery = q.Encode()
	return u.String()
}

// Dimensions reads the image header only.
func Dimensions(p string) (width, height int, err error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return 0, 0, fmt.Errorf("%w: %s", ErrUnsupported, p)
		}
		return 0, 0, fmt.Errorf("decode %s: %w", p, err)
	}
	return cfg.Width, cfg.Height, nil
}
