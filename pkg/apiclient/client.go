// Package apiclient provides the typed HTTP client for the console version
// API consumed by the autosave and lifecycle controllers.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Hung saves would otherwise block new saves behind the in-flight guard, so
// every request carries an explicit timeout.
const defaultRequestTimeout = 15 * time.Second

// ErrMissingBaseURL indicates the client was constructed without a server address.
var ErrMissingBaseURL = errors.New("apiclient: base url is required")

// APIError carries a non-2xx response from the version API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("apiclient: %s (%s, status %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("apiclient: %s (status %d)", e.Message, e.StatusCode)
}

// Transient reports whether the failure is worth retrying automatically.
// Client-side rejections (4xx) will not succeed on retry; the autosave
// executor consults this and skips automatic retries for them.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500
}

// Draft mirrors the draft payload of the version API.
type Draft struct {
	ID        string          `json:"id"`
	Config    json.RawMessage `json:"config"`
	UpdatedAt int64           `json:"updated_at_s"`
}

// Published mirrors the published-version payload of the version API.
type Published struct {
	ID            string          `json:"id"`
	VersionNumber int64           `json:"version_number"`
	Config        json.RawMessage `json:"config"`
	PublishNote   string          `json:"publish_note,omitempty"`
	PublishedBy   string          `json:"published_by"`
	PublishedAt   int64           `json:"published_at_s"`
}

// History mirrors the history metadata payload of the version API.
type History struct {
	ID            string `json:"id"`
	VersionNumber int64  `json:"version_number"`
	PublishNote   string `json:"publish_note,omitempty"`
	PublishedBy   string `json:"published_by"`
	PublishedAt   int64  `json:"published_at_s"`
}

// VersionsResult is the full response of GET /entities/{id}/versions.
type VersionsResult struct {
	Versions struct {
		Draft     Draft      `json:"draft"`
		Published *Published `json:"published"`
		History   []History  `json:"history"`
	} `json:"versions"`
	HasChanges bool `json:"hasChanges"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type draftEnvelope struct {
	Draft Draft `json:"draft"`
}

type publishEnvelope struct {
	Published Published `json:"published"`
}

// Config configures the API client.
type Config struct {
	BaseURL     string
	BearerToken string
	Timeout     time.Duration
}

// Client talks to the console version API.
type Client struct {
	http *resty.Client
}

// New constructs a Client with the request timeout applied.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.BearerToken != "" {
		httpClient.SetAuthToken(cfg.BearerToken)
	}

	return &Client{http: httpClient}, nil
}

// SaveDraft overwrites the entity's draft configuration.
func (c *Client) SaveDraft(ctx context.Context, entityID string, config json.RawMessage) (Draft, error) {
	var result Draft
	err := c.do(ctx, func(request *resty.Request) (*resty.Response, error) {
		return request.
			SetBody(map[string]json.RawMessage{"config": config}).
			SetResult(&result).
			Patch(fmt.Sprintf("/entities/%s/draft", entityID))
	})
	if err != nil {
		return Draft{}, err
	}
	return result, nil
}

// Versions fetches the draft/published/history triad for the entity.
func (c *Client) Versions(ctx context.Context, entityID string) (VersionsResult, error) {
	var result VersionsResult
	err := c.do(ctx, func(request *resty.Request) (*resty.Response, error) {
		return request.
			SetResult(&result).
			Get(fmt.Sprintf("/entities/%s/versions", entityID))
	})
	if err != nil {
		return VersionsResult{}, err
	}
	return result, nil
}

// Publish promotes the entity's draft to the live version.
func (c *Client) Publish(ctx context.Context, entityID, note string) (Published, error) {
	var result publishEnvelope
	err := c.do(ctx, func(request *resty.Request) (*resty.Response, error) {
		return request.
			SetBody(map[string]string{"note": note}).
			SetResult(&result).
			Post(fmt.Sprintf("/entities/%s/versions/publish", entityID))
	})
	if err != nil {
		return Published{}, err
	}
	return result.Published, nil
}

// Revert restores the draft from the currently published version.
func (c *Client) Revert(ctx context.Context, entityID string) (Draft, error) {
	return c.postDraftOverwrite(ctx, fmt.Sprintf("/entities/%s/versions/revert", entityID))
}

// Rollback restores the draft from a specific history version.
func (c *Client) Rollback(ctx context.Context, entityID, versionID string) (Draft, error) {
	return c.postDraftOverwrite(ctx, fmt.Sprintf("/entities/%s/versions/%s/rollback", entityID, versionID))
}

// Reset restores the draft to the system default configuration.
func (c *Client) Reset(ctx context.Context, entityID string) (Draft, error) {
	return c.postDraftOverwrite(ctx, fmt.Sprintf("/entities/%s/versions/reset", entityID))
}

func (c *Client) postDraftOverwrite(ctx context.Context, path string) (Draft, error) {
	var result draftEnvelope
	err := c.do(ctx, func(request *resty.Request) (*resty.Response, error) {
		return request.
			SetResult(&result).
			Post(path)
	})
	if err != nil {
		return Draft{}, err
	}
	return result.Draft, nil
}

func (c *Client) do(ctx context.Context, send func(*resty.Request) (*resty.Response, error)) error {
	request := c.http.R().SetContext(ctx).SetError(&errorBody{})
	response, err := send(request)
	if err != nil {
		return err
	}
	if response.IsError() {
		apiErr := &APIError{
			StatusCode: response.StatusCode(),
			Message:    "request rejected",
		}
		if body, ok := response.Error().(*errorBody); ok && body != nil {
			if body.Error != "" {
				apiErr.Message = body.Error
			}
			apiErr.Code = body.Code
		}
		return apiErr
	}
	return nil
}
