// Package bilibili is a small client for the public category listing and
// creator relation endpoints.
package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/logging"
	"github.com/cyderes/bili-ingest/internal/metrics"
	"github.com/cyderes/bili-ingest/internal/models"
)

const (
	// DefaultBaseURL is the public API host.
	DefaultBaseURL = "https://api.bilibili.com"
	// MaxPageSize is the largest page the listing endpoint accepts.
	MaxPageSize = 50

	siteOrigin = "https://www.bilibili.com"

	endpointList     = "newlist"
	endpointRelation = "relation_stat"
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	UserAgents  []string
	Throttle    *Throttle // nil disables pacing
	HTTPClient  *http.Client
	Logger      *log.Logger
	Now         func() time.Time
}

// Client calls the remote API with browser-like headers, pacing and
// timeout-only retries.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	userAgents  []string
	throttle    *Throttle
	logger      *log.Logger
	now         func() time.Time
}

// NewClient creates a new API client
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:     opts.BaseURL,
		httpClient:  opts.HTTPClient,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		userAgents:  opts.UserAgents,
		throttle:    opts.Throttle,
		logger:      logging.OrDiscard(opts.Logger).WithPrefix("bilibili"),
		now:         opts.Now,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Second
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = 10 * c.baseDelay
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type archive struct {
	BVID  string `json:"bvid"`
	Title string `json:"title"`
	Owner struct {
		Mid  int64  `json:"mid"`
		Name string `json:"name"`
	} `json:"owner"`
	PubDate int64 `json:"pubdate"`
	Stat    struct {
		View     int64 `json:"view"`
		Danmaku  int64 `json:"danmaku"`
		Reply    int64 `json:"reply"`
		Favorite int64 `json:"favorite"`
		Coin     int64 `json:"coin"`
		Share    int64 `json:"share"`
		Like     int64 `json:"like"`
	} `json:"stat"`
	Desc     string `json:"desc"`
	Pic      string `json:"pic"`
	Duration int64  `json:"duration"`
	Tag      string `json:"tag"`
}

// ListItems fetches one page of the newest items in a category. An empty
// page returns an empty slice and no error.
func (c *Client) ListItems(ctx context.Context, regionID, page, pageSize int) ([]models.Video, error) {
	pageSize = min(max(pageSize, 1), MaxPageSize)

	q := url.Values{}
	q.Set("rid", strconv.Itoa(regionID))
	q.Set("pn", strconv.Itoa(page))
	q.Set("ps", strconv.Itoa(pageSize))
	q.Set("type", "0")

	env, err := c.call(ctx, endpointList, "/x/web-interface/newlist", q)
	if err != nil {
		return nil, err
	}
	observed := c.now().Unix()

	var data struct {
		Archives []archive `json:"archives"`
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, apperr.Transport("list items", fmt.Errorf("failed to unmarshal archives: %w", err))
		}
	}

	videos := make([]models.Video, 0, len(data.Archives))
	for _, a := range data.Archives {
		videos = append(videos, models.Video{
			BVID:         a.BVID,
			Title:        a.Title,
			UpName:       a.Owner.Name,
			UpID:         a.Owner.Mid,
			PubTimestamp: a.PubDate,
			Stats: models.Stats{
				View:     a.Stat.View,
				Like:     a.Stat.Like,
				Reply:    a.Stat.Reply,
				Danmaku:  a.Stat.Danmaku,
				Favorite: a.Stat.Favorite,
				Coin:     a.Stat.Coin,
				Share:    a.Stat.Share,
			},
			Description:    a.Desc,
			Cover:          a.Pic,
			Duration:       a.Duration,
			Tag:            a.Tag,
			VideoURL:       models.VideoURL(a.BVID),
			FetchTimestamp: observed,
			RegionID:       regionID,
		})
	}
	return videos, nil
}

// FollowerCount returns the current follower count of a creator.
func (c *Client) FollowerCount(ctx context.Context, mid int64) (int64, error) {
	q := url.Values{}
	q.Set("vmid", strconv.FormatInt(mid, 10))

	env, err := c.call(ctx, endpointRelation, "/x/relation/stat", q)
	if err != nil {
		return 0, err
	}

	var data struct {
		Follower *int64 `json:"follower"`
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return 0, apperr.Transport("follower count", fmt.Errorf("failed to unmarshal relation: %w", err))
		}
	}
	if data.Follower == nil {
		return 0, apperr.Application("follower count", env.Code, "response has no follower field")
	}
	return *data.Follower, nil
}

// call performs a GET with retries on timeouts only and returns the decoded
// envelope of a zero-code response.
func (c *Client) call(ctx context.Context, endpoint, path string, q url.Values) (*envelope, error) {
	u := c.baseURL + path + "?" + q.Encode()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.Multiplier = 2
	bo.MaxInterval = c.maxDelay
	bo.RandomizationFactor = 0

	attempt := 0
	env, err := backoff.Retry(ctx, func() (*envelope, error) {
		attempt++
		if err := c.throttle.Wait(ctx); err != nil {
			return nil, backoff.Permanent(apperr.Transport(endpoint, err))
		}
		env, err := c.getOnce(ctx, u)
		if err == nil {
			return env, nil
		}
		if apperr.IsTimeout(err) && ctx.Err() == nil {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.RecordRetry(endpoint)
			c.logger.Warn("request timed out, retrying", "endpoint", endpoint, "attempt", attempt, "next", next, "err", err)
		}),
	)
	if err != nil {
		metrics.RecordRemoteRequest(endpoint, outcome(err))
		return nil, err
	}

	if env.Code != 0 {
		metrics.RecordRemoteRequest(endpoint, "api_error")
		return nil, apperr.Application(endpoint, env.Code, env.Message)
	}

	metrics.RecordRemoteRequest(endpoint, "success")
	return env, nil
}

func (c *Client) getOnce(ctx context.Context, u string) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperr.Transport("build request", err)
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Referer", siteOrigin)
	req.Header.Set("Origin", siteOrigin)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport("request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.Transport("request", fmt.Errorf("API returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transport("request", fmt.Errorf("failed to read response body: %w", err))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Transport("request", fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return &env, nil
}

func (c *Client) userAgent() string {
	if len(c.userAgents) == 0 {
		return ""
	}
	return c.userAgents[rand.IntN(len(c.userAgents))]
}

func outcome(err error) string {
	if apperr.IsTimeout(err) {
		return "timeout"
	}
	return "transport_error"
}
