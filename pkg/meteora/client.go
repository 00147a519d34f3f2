package meteora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"dlmmrotation/internal/apperr"
)

const (
	DefaultBaseURL  = "https://dlmm-api.meteora.ag"
	DefaultPageSize = 100
	DefaultTimeout  = 30 * time.Second
)

// FetchError reports a failed upstream call. It matches
// apperr.ErrUpstreamUnavailable.
type FetchError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("meteora: GET %s: status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("meteora: GET %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return target == apperr.ErrUpstreamUnavailable
}

// Client reads pool data from the Meteora DLMM API
type Client struct {
	baseURL    string
	pageSize   int
	httpClient *http.Client
}

// NewClient creates a DLMM API client. Every request is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:  baseURL,
		pageSize: DefaultPageSize,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:          20,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// GetAllPools returns every pair from /pair/all
func (c *Client) GetAllPools(ctx context.Context) ([]Pool, error) {
	var pools []Pool
	if err := c.getJSON(ctx, "/pair/all", nil, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// GetGroups walks every page of /pair/groups
func (c *Client) GetGroups(ctx context.Context) ([]Group, error) {
	return fetchPages[Group](ctx, c, "/pair/groups")
}

// GetGroupPools walks every page of /pair/groups/{groupID}
func (c *Client) GetGroupPools(ctx context.Context, groupID string) ([]Pool, error) {
	return fetchPages[Pool](ctx, c, "/pair/groups/"+url.PathEscape(groupID))
}

func fetchPages[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("page", strconv.Itoa(page))
		params.Set("page_size", strconv.Itoa(c.pageSize))

		var resp pagedResponse[T]
		if err := c.getJSON(ctx, path, params, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			break
		}
		all = append(all, resp.Data...)

		pages := resp.Pages.Int()
		if pages < 1 {
			pages = 1
		}
		if page >= pages {
			break
		}
	}
	return all, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &FetchError{Endpoint: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &FetchError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &FetchError{Endpoint: path, Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{Endpoint: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
