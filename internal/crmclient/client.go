package crmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/jacksonlee411/member-delta-sync/pkg/syncerr"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	DefaultMaxRequestsPerWindow = 200
	DefaultWindow               = 60 * time.Second
	DefaultMaxRetries           = 3
	DefaultBaseBackoff          = time.Second
	DefaultMaxBackoff           = 10 * time.Second
	DefaultCacheTTL             = 5 * time.Minute
	DefaultCacheMaxEntries      = 1000
	DefaultRequestTimeout       = 30 * time.Second

	maxResponseBytes = 8 << 20
)

type Options struct {
	BaseURL   string
	APIKey    string
	APISecret string

	MaxRequestsPerWindow int
	Window               time.Duration
	MaxRetries           int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	CacheTTL             time.Duration
	CacheMaxEntries      int

	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRequestsPerWindow <= 0 {
		o.MaxRequestsPerWindow = DefaultMaxRequestsPerWindow
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.CacheMaxEntries <= 0 {
		o.CacheMaxEntries = DefaultCacheMaxEntries
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// DefaultOptions returns the production defaults; MaxRetries is only
// defaulted here since zero retries is a valid setting.
func DefaultOptions() Options {
	return Options{
		MaxRequestsPerWindow: DefaultMaxRequestsPerWindow,
		Window:               DefaultWindow,
		MaxRetries:           DefaultMaxRetries,
		BaseBackoff:          DefaultBaseBackoff,
		MaxBackoff:           DefaultMaxBackoff,
		CacheTTL:             DefaultCacheTTL,
		CacheMaxEntries:      DefaultCacheMaxEntries,
	}
}

// Client talks to one tenant's remote CRM under its own quota and cache.
// It is safe for concurrent use.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string

	httpClient  *http.Client
	limiter     *rateLimiter
	cache       *responseCache
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *zap.Logger
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("crm base_url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.APIKey) == "" || strings.TrimSpace(opts.APISecret) == "" {
		return nil, errors.New("crm api key and secret are required")
	}

	opts = opts.withDefaults()
	return &Client{
		baseURL:     baseURL,
		apiKey:      opts.APIKey,
		apiSecret:   opts.APISecret,
		httpClient:  opts.HTTPClient,
		limiter:     newRateLimiter(opts.MaxRequestsPerWindow, opts.Window),
		cache:       newResponseCache(opts.CacheTTL, opts.CacheMaxEntries),
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		logger:      opts.Logger,
	}, nil
}

type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

type MemberFilters struct {
	Status       string
	GroupID      string
	UpdatedSince *time.Time
}

type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

type apiError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

type envelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Error      *apiError       `json:"error"`
	Pagination *Pagination     `json:"pagination"`
}

func (c *Client) FetchMembers(ctx context.Context, page int, limit int, filters MemberFilters) ([]types.RemoteMember, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 100
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if s := strings.TrimSpace(filters.Status); s != "" {
		q.Set("status", s)
	}
	if g := strings.TrimSpace(filters.GroupID); g != "" {
		q.Set("group_id", g)
	}
	if filters.UpdatedSince != nil {
		q.Set("updated_since", filters.UpdatedSince.UTC().Format(time.RFC3339))
	}

	data, pg, err := c.request(ctx, http.MethodGet, "/members?"+q.Encode(), nil)
	if err != nil {
		return nil, Pagination{}, err
	}
	var members []types.RemoteMember
	if err := decodeData(data, &members); err != nil {
		return nil, Pagination{}, err
	}
	if members == nil {
		members = []types.RemoteMember{}
	}

	out := Pagination{Page: page, Limit: limit, Total: len(members)}
	if pg != nil {
		out = *pg
	}
	return members, out, nil
}

func (c *Client) FetchMember(ctx context.Context, id string) (types.RemoteMember, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.RemoteMember{}, errors.New("member id is required")
	}
	data, _, err := c.request(ctx, http.MethodGet, memberEndpoint(id), nil)
	if err != nil {
		return types.RemoteMember{}, err
	}
	var m types.RemoteMember
	if err := decodeData(data, &m); err != nil {
		return types.RemoteMember{}, err
	}
	return m, nil
}

// UpdateMember sends a partial update and drops cached reads of that member.
func (c *Client) UpdateMember(ctx context.Context, id string, patch map[string]any) (types.RemoteMember, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.RemoteMember{}, errors.New("member id is required")
	}
	if len(patch) == 0 {
		return types.RemoteMember{}, errors.New("member patch is required")
	}
	data, _, err := c.request(ctx, http.MethodPut, memberEndpoint(id), patch)
	if err != nil {
		return types.RemoteMember{}, err
	}
	c.cache.invalidatePrefix(cacheKey(http.MethodGet, memberEndpoint(id), nil))
	c.cache.invalidatePrefix(http.MethodGet + " /members?")

	var m types.RemoteMember
	if err := decodeData(data, &m); err != nil {
		return types.RemoteMember{}, err
	}
	return m, nil
}

func (c *Client) FetchGroups(ctx context.Context) ([]Group, error) {
	data, _, err := c.request(ctx, http.MethodGet, "/groups", nil)
	if err != nil {
		return nil, err
	}
	var groups []Group
	if err := decodeData(data, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// HealthCheck bypasses the cache so every call reaches the remote.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, _, err := c.request(ctx, http.MethodHead, "/health", nil)
	return err
}

func memberEndpoint(id string) string {
	return "/members/" + url.PathEscape(id)
}

func decodeData(data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return syncerr.Validation("malformed response data", err)
	}
	return nil
}

func (c *Client) newBackoff() retry.Backoff {
	b := retry.NewExponential(c.baseBackoff)
	b = retry.WithCappedDuration(c.maxBackoff, b)
	return retry.WithMaxRetries(uint64(c.maxRetries), b)
}

// request performs one logical call: cache lookup for GETs, then up to
// 1+maxRetries attempts with exponential backoff between retryable failures.
func (c *Client) request(ctx context.Context, method string, endpoint string, body any) (json.RawMessage, *Pagination, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, syncerr.Validation("encode request body", err)
		}
		payload = b
	}

	key := cacheKey(method, endpoint, payload)
	if method == http.MethodGet {
		if e, ok := c.cache.get(key); ok {
			return e.payload, e.page, nil
		}
	}

	var env envelope
	attempt := 0
	err := retry.Do(ctx, c.newBackoff(), func(ctx context.Context) error {
		attempt++
		got, err := c.do(ctx, method, endpoint, payload)
		if err == nil {
			env = got
			return nil
		}
		if syncerr.Retryable(err) {
			c.logger.Warn("crm request failed, retrying",
				zap.String("method", method),
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if method == http.MethodGet {
		c.cache.set(key, env.Data, env.Pagination)
	}
	return env.Data, env.Pagination, nil
}

func (c *Client) do(ctx context.Context, method string, endpoint string, payload []byte) (envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return envelope{}, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return envelope{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-API-Secret", c.apiSecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return envelope{}, ctxErr
		}
		return envelope{}, syncerr.Network(err)
	}
	defer resp.Body.Close()

	c.limiter.Observe(resp.Header)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return envelope{}, ctxErr
		}
		return envelope{}, syncerr.Network(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, details := errorBody(raw)
		return envelope{}, syncerr.FromStatus(resp.StatusCode, msg, details)
	}
	if method == http.MethodHead || len(bytes.TrimSpace(raw)) == 0 {
		return envelope{Success: true}, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, syncerr.Validation("malformed response envelope", err)
	}
	if !env.Success {
		e := syncerr.FromStatus(resp.StatusCode, "", nil)
		e.Code = syncerr.CodeHTTPError
		if env.Error != nil {
			e.Message = env.Error.Message
			e.Details = env.Error.Details
		}
		if e.Message == "" {
			e.Message = "remote reported failure"
		}
		return envelope{}, e
	}
	return env, nil
}

// errorBody extracts message and details from an error envelope, falling
// back to the raw body as details.
func errorBody(raw []byte) (string, json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
		return env.Error.Message, env.Error.Details
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}
	if json.Valid(trimmed) {
		return "", json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return "", quoted
}
