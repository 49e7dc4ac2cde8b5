// Package remote talks to the hosted backend: PostgREST-style tables under
// /rest/v1 and object storage under /storage/v1.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/xelth-com/ecosyncgo/internal/apierror"
	"github.com/xelth-com/ecosyncgo/internal/config"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/models"
)

const (
	tableReports  = "reports"
	tableImages   = "report_images"
	tableAnalyses = "ai_analyses"

	fetchLimit = 500
)

// TokenSource supplies the bearer token for each request
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client implements the submission backend and the cache fetcher over HTTP
type Client struct {
	baseURL      string
	apiKey       string
	bucket       string
	fetchRetries int
	tokens       TokenSource
	http         *http.Client
}

// NewHTTPClient creates the HTTP client used for every backend call
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			MaxIdleConns:        20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}
}

// NewClient creates a backend client. A nil httpClient gets the default one.
func NewClient(cfg config.RemoteConfig, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.RequestTimeout)
	}
	bucket := cfg.MediaBucket
	if bucket == "" {
		bucket = "report-images"
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		bucket:       bucket,
		fetchRetries: cfg.FetchRetries,
		tokens:       tokens,
		http:         httpClient,
	}
}

// CreateParentResource inserts the report row and returns its id
func (c *Client) CreateParentResource(ctx context.Context, fields map[string]interface{}) (string, error) {
	var rows []map[string]interface{}
	if err := c.insert(ctx, tableReports, fields, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("create report: empty response")
	}

	switch id := rows[0]["id"].(type) {
	case string:
		return id, nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("create report: response has no id")
}

// UploadMedia stores the image under owner/resource and returns its public URL
func (c *Client) UploadMedia(ctx context.Context, ownerID, resourceID string, data []byte) (string, error) {
	objectPath := fmt.Sprintf("%s/%s/%s.jpg", url.PathEscape(ownerID), url.PathEscape(resourceID), uuid.New().String())
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, objectPath)

	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("x-upsert", "false")

	if err := c.do(req, "upload media", nil); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, c.bucket, objectPath), nil
}

// CreateLinkRecord attaches an uploaded image to its report
func (c *Client) CreateLinkRecord(ctx context.Context, resourceID, imageURL string, isPrimary bool) error {
	return c.insert(ctx, tableImages, map[string]interface{}{
		"report_id":  resourceID,
		"image_url":  imageURL,
		"is_primary": isPrimary,
	}, nil)
}

// CreateDerivedAnalysisRecord stores the on-device detection result for a report
func (c *Client) CreateDerivedAnalysisRecord(ctx context.Context, resourceID string, sceneLabels []string, counts map[string]int, peopleCount int) error {
	total := 0
	for _, n := range counts {
		total += n
	}
	if sceneLabels == nil {
		sceneLabels = []string{}
	}
	if counts == nil {
		counts = map[string]int{}
	}
	return c.insert(ctx, tableAnalyses, map[string]interface{}{
		"report_id":    resourceID,
		"scene_labels": sceneLabels,
		"item_counts":  counts,
		"total_items":  total,
		"people_count": peopleCount,
	}, nil)
}

// FetchInBounds lists reports inside bounds, only those updated after since when
// it is set. Transient failures are retried with exponential backoff.
func (c *Client) FetchInBounds(ctx context.Context, bounds models.Bounds, since *time.Time) ([]map[string]interface{}, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Add("latitude", "gte."+formatCoord(bounds.MinLat))
	query.Add("latitude", "lte."+formatCoord(bounds.MaxLat))
	query.Add("longitude", "gte."+formatCoord(bounds.MinLng))
	query.Add("longitude", "lte."+formatCoord(bounds.MaxLng))
	if since != nil {
		query.Set("updated_at", "gt."+since.UTC().Format(time.RFC3339Nano))
	}
	query.Set("order", "created_at.desc")
	query.Set("limit", strconv.Itoa(fetchLimit))
	endpoint := fmt.Sprintf("%s/rest/v1/%s?%s", c.baseURL, tableReports, query.Encode())

	var rows []map[string]interface{}
	operation := func() error {
		req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		rows = nil
		err = c.do(req, "fetch reports", &rows)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(c.backoffPolicy(), ctx)
	notify := func(err error, wait time.Duration) {
		logger.Component("remote").WithError(err).WithField("wait", wait).Warn("Fetch failed, retrying")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) backoffPolicy() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	exp.MaxElapsedTime = 0
	retries := c.fetchRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(exp, uint64(retries))
}

func (c *Client) insert(ctx context.Context, table string, fields map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s row: %w", table, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("%s/rest/v1/%s", c.baseURL, table), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if out != nil {
		req.Header.Set("Prefer", "return=representation")
	} else {
		req.Header.Set("Prefer", "return=minimal")
	}
	return c.do(req, "insert "+table, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and decodes a JSON body into out when out is non-nil
func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apierror.StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func retryable(err error) bool {
	var statusErr *apierror.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return !apierror.IsAuth(err)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
