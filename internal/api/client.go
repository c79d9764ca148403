// Package api is the REST client for the asset validation service: the upload
// endpoint, the metadata-update endpoint and the storage endpoints used by
// staged transfers.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/rescale/rescale-assets/internal/config"
	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/http"
	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/ratelimit"
	"github.com/rescale/rescale-assets/internal/version"
)

// retryLogger implements the retryablehttp.LeveledLogger interface
type retryLogger struct{}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	log.Error().Interface("details", keysAndValues).Msg("api retry: " + msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	log.Debug().Interface("details", keysAndValues).Msg("api retry: " + msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.Warn().Interface("details", keysAndValues).Msg("api retry: " + msg)
}

// RetryPolicy bounds retries of idempotent API calls.
type RetryPolicy struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultRetryPolicy is used by NewClient.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RetryMax:     constants.APIRetryMax,
		RetryWaitMin: constants.APIRetryWaitMin,
		RetryWaitMax: constants.APIRetryWaitMax,
	}
}

// Client represents the asset API client
type Client struct {
	httpClient   *nethttp.Client // retrying, for idempotent metadata calls
	uploadClient *nethttp.Client // never retries; failed transfers are reported, not repeated
	config       *config.Config
	baseURL      string
	apiKey       string
	limiter      *ratelimit.RateLimiter // shared by every call, uploads included
}

// NewClient creates a new API client
func NewClient(cfg *config.Config) (*Client, error) {
	return NewClientWithRetry(cfg, DefaultRetryPolicy())
}

// NewClientWithRetry creates a client with a custom retry policy.
func NewClientWithRetry(cfg *config.Config, policy RetryPolicy) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("API config is nil")
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, errors.New("API base URL is empty: set platform_url in the config file or RESCALE_API_URL")
	}

	httpClient, err := http.ConfigureHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	uploadClient, err := http.CreateTransferClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure transfer client: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = policy.RetryMax
	retryClient.RetryWaitMin = policy.RetryWaitMin
	retryClient.RetryWaitMax = policy.RetryWaitMax
	retryClient.Logger = &retryLogger{}

	return &Client{
		httpClient:   retryClient.StandardClient(),
		uploadClient: uploadClient,
		config:       cfg,
		baseURL:      strings.TrimSuffix(cfg.APIBaseURL, "/"),
		apiKey:       cfg.APIKey,
		limiter:      ratelimit.NewUserScopeRateLimiter(),
	}, nil
}

// GetConfig returns the configuration used by this API client
func (c *Client) GetConfig() *config.Config {
	return c.config
}

// newRequest builds an authenticated request against the API base URL.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "rescale-assets/"+version.Version)
	return req, nil
}

// send waits for rate-limit capacity and performs req. A 429 pauses the
// limiter for the server's Retry-After.
func (c *Client) send(client *nethttp.Client, req *nethttp.Request) (*nethttp.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == nethttp.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		log.Warn().Str("method", req.Method).Str("path", req.URL.Path).
			Str("retry_after", retryAfter).Msg("api throttled")
		if secs, perr := strconv.Atoi(retryAfter); perr == nil {
			c.limiter.Pause(time.Duration(secs) * time.Second)
		}
	}
	return resp, nil
}

// doRequest performs a JSON request. retry selects the retrying client.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, retry bool) (*nethttp.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := c.newRequest(ctx, method, path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.uploadClient
	if retry {
		client = c.httpClient
	}

	resp, err := c.send(client, req)
	if err != nil {
		log.Debug().Err(err).Str("method", method).Str("path", path).Msg("api call failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// checkStatus turns a non-2xx response into a StatusError.
func checkStatus(op string, resp *nethttp.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: string(body)}
}

// decodeRecords reads the provisional record array returned by upload and
// register calls. Records arrive Pending; an empty status is treated as such.
func decodeRecords(r io.Reader, kind models.AssetKind) ([]models.ValidationRecord, error) {
	var records []models.ValidationRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}

	now := time.Now()
	for i := range records {
		rec := &records[i]
		if rec.ID == "" {
			return nil, fmt.Errorf("record %d has no id", i)
		}
		if rec.Status == "" {
			rec.Status = models.StatusPending
		}
		if !rec.Status.Known() {
			return nil, fmt.Errorf("record %s has unknown status %q", rec.ID, rec.Status)
		}
		if rec.Kind == "" {
			rec.Kind = kind
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
	}
	return records, nil
}

// UpdateMetadata applies a partial metadata update and returns the fields the
// server accepted. A name collision yields an error wrapping ErrNameConflict.
func (c *Client) UpdateMetadata(ctx context.Context, id string, update models.MetadataUpdate) (*models.MetadataUpdate, error) {
	resp, err := c.doRequest(ctx, nethttp.MethodPatch, "/api/v3/assets/"+id+"/", update, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus("update metadata", resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == nethttp.StatusConflict {
			return nil, fmt.Errorf("%w: %w", ErrNameConflict, err)
		}
		return nil, err
	}

	var accepted models.MetadataUpdate
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		// Some deployments answer 204; fall back to what was sent
		if errors.Is(err, io.EOF) {
			return &update, nil
		}
		return nil, fmt.Errorf("failed to decode metadata response: %w", err)
	}
	return &accepted, nil
}

// CancelValidation confirms a client-side cancellation for one record.
func (c *Client) CancelValidation(ctx context.Context, id string) error {
	_, err := c.UpdateMetadata(ctx, id, models.MetadataUpdate{Status: models.StatusPtr(models.StatusCancelled)})
	if err != nil {
		return fmt.Errorf("cancel validation %s: %w", id, err)
	}
	return nil
}

// GetRecord fetches the server's current view of a record.
func (c *Client) GetRecord(ctx context.Context, id string) (*models.ValidationRecord, error) {
	resp, err := c.doRequest(ctx, nethttp.MethodGet, "/api/v3/assets/"+id+"/", nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus("get record", resp); err != nil {
		return nil, err
	}

	var rec models.ValidationRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

// GetUserProfile gets the current user's profile
func (c *Client) GetUserProfile(ctx context.Context) (*models.UserProfile, error) {
	resp, err := c.doRequest(ctx, nethttp.MethodGet, "/api/v3/users/me/", nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus("get user profile", resp); err != nil {
		return nil, err
	}

	var profile models.UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode user profile: %w", err)
	}
	return &profile, nil
}

// GetStorageCredentials gets temporary credentials for the user's default
// storage. Exactly one of the returned credential values is non-nil.
func (c *Client) GetStorageCredentials(ctx context.Context) (*models.S3Credentials, *models.AzureCredentials, error) {
	resp, err := c.doRequest(ctx, nethttp.MethodPost, "/api/v3/credentials/", nil, true)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus("get storage credentials", resp); err != nil {
		return nil, nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var probe struct {
		StorageType string `json:"storageType"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, fmt.Errorf("failed to decode credentials: %w", err)
	}

	switch probe.StorageType {
	case "S3Storage":
		var s3Creds models.S3Credentials
		if err := json.Unmarshal(raw, &s3Creds); err != nil {
			return nil, nil, fmt.Errorf("failed to parse S3 credentials: %w", err)
		}
		return &s3Creds, nil, nil

	case "AzureStorage":
		var azureCreds models.AzureCredentials
		if err := json.Unmarshal(raw, &azureCreds); err != nil {
			return nil, nil, fmt.Errorf("failed to parse Azure credentials: %w", err)
		}
		return nil, &azureCreds, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", probe.StorageType)
	}
}

// RegisterStagedBatch registers files already placed in object storage and
// returns the provisional records, exactly like a multipart upload.
func (c *Client) RegisterStagedBatch(ctx context.Context, kind models.AssetKind, req *models.StagedBatchRequest) ([]models.ValidationRecord, error) {
	resp, err := c.doRequest(ctx, nethttp.MethodPost, "/api/v3/assets/"+kind.Plural()+"/register/", req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus("register staged batch", resp); err != nil {
		return nil, err
	}
	return decodeRecords(resp.Body, kind)
}
