package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/resilience"
)

const defaultBaseURL = "https://earthengine.googleapis.com"

// Option configures a Remote client.
type Option func(*Remote)

// WithBaseURL overrides the default service URL.
func WithBaseURL(url string) Option {
	return func(r *Remote) { r.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Remote) { r.http = hc }
}

// WithRequestTimeout bounds each individual request.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Remote) { r.timeout = d }
}

// WithRateLimit caps requests per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(r *Remote) {
		if rps > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			r.limiter = nil
		}
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(r *Remote) { r.retry = p }
}

// WithBreaker overrides the circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(r *Remote) { r.breaker = b }
}

// Remote evaluates expressions on the hosted compute service over its
// REST surface.
type Remote struct {
	project string
	token   string
	baseURL string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	retry   resilience.Policy
	breaker *resilience.Breaker
}

var _ Engine = (*Remote)(nil)

// NewRemote creates a client for the given cloud project.
func NewRemote(project, token string, opts ...Option) *Remote {
	r := &Remote{
		project: project,
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: 5 * time.Minute,
		limiter: rate.NewLimiter(rate.Limit(10), 1),
		retry:   resilience.DefaultPolicy(),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "engine"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retry.OnRetry == nil {
		r.retry.OnRetry = resilience.RetryLogger("engine.remote")
	}
	return r
}

type computeRequest struct {
	Expression json.RawMessage `json:"expression"`
}

// Compute materializes e and returns its JSON result.
func (r *Remote) Compute(ctx context.Context, e algebra.Expr) (Value, error) {
	expr, err := algebra.Encode(e)
	if err != nil {
		return Value{}, eris.Wrap(err, "engine: compute")
	}
	op := "compute " + e.Node().Fn()

	start := time.Now()
	data, err := r.call(ctx, op, http.MethodPost, r.projectPath("value:compute"), computeRequest{Expression: expr})
	if err != nil {
		return Value{}, err
	}
	zap.L().Debug("engine: computed value",
		zap.String("function", e.Node().Fn()),
		zap.Duration("elapsed", time.Since(start)),
	)

	result := gjson.GetBytes(data, "result")
	if !result.Exists() {
		return Value{}, eris.Errorf("engine: %s: response has no result", op)
	}
	return NewValue([]byte(result.Raw)), nil
}

type exportRequest struct {
	Expression        json.RawMessage   `json:"expression"`
	Description       string            `json:"description,omitempty"`
	FileExportOptions fileExportOptions `json:"fileExportOptions"`
}

type imageExportRequest struct {
	Expression        json.RawMessage   `json:"expression"`
	Description       string            `json:"description,omitempty"`
	FileExportOptions fileExportOptions `json:"fileExportOptions"`
	Grid              *pixelGrid        `json:"grid,omitempty"`
	MaxPixels         int64             `json:"maxPixels,omitempty,string"`
}

type fileExportOptions struct {
	FileFormat  string             `json:"fileFormat"`
	Destination storageDestination `json:"cloudStorageDestination"`
}

type storageDestination struct {
	Bucket         string `json:"bucket"`
	FilenamePrefix string `json:"filenamePrefix"`
}

// pixelGrid is a metric output grid. Scales are in metres.
type pixelGrid struct {
	CRSCode         string          `json:"crsCode"`
	AffineTransform affineTransform `json:"affineTransform"`
}

type affineTransform struct {
	ScaleX float64 `json:"scaleX"`
	ScaleY float64 `json:"scaleY"`
}

func wireFormat(f ExportFormat, image bool) (string, error) {
	if image {
		return "GEO_TIFF", nil
	}
	switch f {
	case FormatGeoJSON, "":
		return "GEO_JSON", nil
	case FormatShapefile:
		return "SHP", nil
	}
	return "", eris.Errorf("engine: unsupported export format %q", f)
}

// StartExport submits a table or image export. It returns as soon as the
// service has accepted the task.
func (r *Remote) StartExport(ctx context.Context, req ExportRequest) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	format, err := wireFormat(req.Format, req.IsImage())
	if err != nil {
		return nil, err
	}
	options := fileExportOptions{
		FileFormat: format,
		Destination: storageDestination{
			Bucket:         req.Folder,
			FilenamePrefix: req.FileName,
		},
	}

	var (
		body     any
		endpoint string
	)
	if req.IsImage() {
		img := req.Image
		if req.Region.Node() != nil {
			img = img.Clip(req.Region)
		}
		expr, err := algebra.Encode(img)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: export %s", req.Description)
		}
		ib := imageExportRequest{
			Expression:        expr,
			Description:       req.Description,
			FileExportOptions: options,
			MaxPixels:         int64(req.MaxPixels),
		}
		if req.Scale > 0 {
			ib.Grid = &pixelGrid{
				CRSCode:         "EPSG:3857",
				AffineTransform: affineTransform{ScaleX: req.Scale, ScaleY: -req.Scale},
			}
		}
		body, endpoint = ib, "image:export"
	} else {
		expr, err := algebra.Encode(req.Collection)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: export %s", req.Description)
		}
		body = exportRequest{Expression: expr, Description: req.Description, FileExportOptions: options}
		endpoint = "table:export"
	}

	data, err := r.call(ctx, "export "+req.Description, http.MethodPost, r.projectPath(endpoint), body)
	if err != nil {
		return nil, err
	}

	task := parseOperation(data)
	task.Destination = fmt.Sprintf("gs://%s/%s", req.Folder, req.FileName)
	if task.Description == "" {
		task.Description = req.Description
	}
	return task, nil
}

// GetTask fetches the status of an export task.
func (r *Remote) GetTask(ctx context.Context, id string) (*Task, error) {
	data, err := r.call(ctx, "get task "+id, http.MethodGet, r.projectPath("operations/"+id), nil)
	if err != nil {
		return nil, err
	}
	return parseOperation(data), nil
}

func parseOperation(data []byte) *Task {
	res := gjson.ParseBytes(data)
	t := &Task{
		ID:          path.Base(res.Get("name").String()),
		Description: res.Get("metadata.description").String(),
		State:       TaskState(res.Get("metadata.state").String()),
		UpdatedAt:   time.Now().UTC(),
	}
	if ts := res.Get("metadata.updateTime"); ts.Exists() {
		if parsed, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			t.UpdatedAt = parsed
		}
	}
	if msg := res.Get("error.message"); msg.Exists() {
		t.State = TaskFailed
		t.Error = msg.String()
	}

	switch t.State {
	case TaskPending, TaskRunning, TaskSucceeded, TaskFailed, TaskCancelled:
	case "CANCELLING":
		t.State = TaskRunning
	default:
		if res.Get("done").Bool() {
			t.State = TaskSucceeded
		} else {
			t.State = TaskPending
		}
	}
	return t
}

func (r *Remote) projectPath(rest string) string {
	return fmt.Sprintf("/v1/projects/%s/%s", r.project, rest)
}

// call performs one logical request with rate limiting, retries and the
// circuit breaker. Service faults that outlast the retries, or trip the
// breaker, are reported as a RemoteEvaluationError. Permanent rejections
// such as a 400 return their APIError as is after one attempt.
func (r *Remote) call(ctx context.Context, op, method, endpoint string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: %s: marshal request", op)
		}
	}

	attempts := 0
	data, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) ([]byte, error) {
		attempts++
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) ([]byte, error) {
			return r.do(ctx, method, endpoint, payload)
		})
	})
	if err == nil {
		return data, nil
	}

	var ex *resilience.ExhaustedError
	switch {
	case errors.As(err, &ex):
		err = ex.Err
	case resilience.IsTransient(err), errors.Is(err, resilience.ErrOpen):
	default:
		var ae *APIError
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, eris.Wrapf(err, "engine: %s", op)
	}
	return nil, &RemoteEvaluationError{Operation: op, Attempts: attempts, Err: err}
}

func (r *Remote) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limit wait")
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+endpoint, reader)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: msg}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}
