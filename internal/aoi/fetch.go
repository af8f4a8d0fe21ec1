package aoi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/flood-exposure/internal/vector"
)

// maxBoundaryBytes caps downloaded boundary files.
const maxBoundaryBytes = 64 << 20

// Fetcher downloads a remote boundary file to a temporary local path. The
// returned cleanup removes it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, func(), error)
}

// HTTPFetcher downloads boundaries over HTTP(S) with retries.
type HTTPFetcher struct {
	client *retryablehttp.Client
}

// NewHTTPFetcher returns a fetcher retrying up to retryMax times.
func NewHTTPFetcher(retryMax int, timeout time.Duration) *HTTPFetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 10 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = zapLeveled{}
	return &HTTPFetcher{client: c}
}

// Fetch implements Fetcher. The temporary file keeps the URL's extension
// so the format can be detected.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, func(), error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, eris.Wrapf(err, "aoi: parse url %s", rawURL)
	}
	ext := path.Ext(u.Path)
	if _, err := vector.DetectFormat(u.Path); err != nil {
		return "", nil, err
	}
	if ext == ".shp" {
		return "", nil, eris.New("aoi: shapefiles must be local (sidecar .dbf/.shx files are required)")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, eris.Wrap(err, "aoi: create request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, eris.Wrapf(err, "aoi: get %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return "", nil, eris.Errorf("aoi: get %s: status %d", rawURL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "aoi-*"+ext)
	if err != nil {
		return "", nil, eris.Wrap(err, "aoi: create temp file")
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, maxBoundaryBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, eris.Wrap(err, "aoi: write temp file")
	}
	if n > maxBoundaryBytes {
		cleanup()
		return "", nil, eris.Errorf("aoi: %s exceeds %d bytes", rawURL, maxBoundaryBytes)
	}

	zap.L().Debug("aoi: downloaded boundary", zap.String("url", rawURL), zap.Int64("bytes", n))
	return tmp.Name(), cleanup, nil
}

// zapLeveled adapts the global zap logger to retryablehttp.LeveledLogger.
type zapLeveled struct{}

func (zapLeveled) Error(msg string, kv ...interface{}) { zap.S().Errorw(msg, kv...) }
func (zapLeveled) Info(msg string, kv ...interface{})  { zap.S().Debugw(msg, kv...) }
func (zapLeveled) Debug(msg string, kv ...interface{}) { zap.S().Debugw(msg, kv...) }
func (zapLeveled) Warn(msg string, kv ...interface{})  { zap.S().Warnw(msg, kv...) }
