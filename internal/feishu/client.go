// Package feishu pushes tabular values into a Feishu (Lark) spreadsheet.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/xuri/excelize/v2"
	"golang.org/x/oauth2"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/logging"
	"github.com/cyderes/bili-ingest/internal/metrics"
)

const (
	// DefaultBaseURL is the public open platform host.
	DefaultBaseURL = "https://open.feishu.cn"
	// DefaultMaxRows caps the rows sent in one range update.
	DefaultMaxRows = 5000

	endpointBatchUpdate = "feishu_values_batch_update"
	cellTimeLayout      = "2006-01-02 15:04:05"
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	AppID       string
	AppSecret   string
	Timeout     time.Duration
	MaxRows     int
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *log.Logger
	// Base is the round tripper under the token transport. nil uses
	// http.DefaultTransport.
	Base http.RoundTripper
}

// Client writes value ranges with a cached tenant token.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxRows     int
	maxAttempts int
	baseDelay   time.Duration
	logger      *log.Logger
}

// NewClient creates a client. The token is fetched lazily on the first
// request and reused until shortly before it expires.
func NewClient(ctx context.Context, opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}

	tokens := NewTokenSource(ctx, baseURL, opts.AppID, opts.AppSecret, &http.Client{Timeout: timeout, Transport: base})

	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.ReuseTokenSource(nil, tokens),
				Base:   base,
			},
		},
		maxRows:     opts.MaxRows,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		logger:      logging.OrDiscard(opts.Logger).WithPrefix("feishu"),
	}
	if c.maxRows <= 0 {
		c.maxRows = DefaultMaxRows
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Second
	}
	return c
}

// RangeFor returns the A1 range covering rows x cols values anchored at
// startCell, e.g. "Sheet1!B2:D11".
func RangeFor(sheetID, startCell string, rows, cols int) (string, error) {
	if sheetID == "" {
		return "", apperr.Validation("sheet id is required")
	}
	if rows <= 0 || cols <= 0 {
		return "", apperr.Validation("nothing to write: %d rows x %d columns", rows, cols)
	}
	col, row, err := excelize.CellNameToCoordinates(startCell)
	if err != nil {
		return "", apperr.Validation("invalid start cell %q", startCell)
	}
	end, err := excelize.CoordinatesToCellName(col+cols-1, row+rows-1)
	if err != nil {
		return "", apperr.Validation("range from %s with %d rows x %d columns is out of bounds", startCell, rows, cols)
	}
	return fmt.Sprintf("%s!%s:%s", sheetID, startCell, end), nil
}

type valueRange struct {
	Range  string  `json:"range"`
	Values [][]any `json:"values"`
}

type batchUpdateRequest struct {
	ValueRanges []valueRange `json:"valueRanges"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// WriteValues writes values into the sheet starting at startCell. Payloads
// larger than the row cap are split into consecutive ranges, one request
// each. It returns the number of requests sent.
func (c *Client) WriteValues(ctx context.Context, spreadsheetToken, sheetID, startCell string, values [][]any) (int, error) {
	if spreadsheetToken == "" {
		return 0, apperr.Validation("spreadsheet token is required")
	}
	if len(values) == 0 {
		return 0, apperr.Validation("nothing to write: no rows")
	}
	if startCell == "" {
		startCell = "A1"
	}
	col, row, err := excelize.CellNameToCoordinates(startCell)
	if err != nil {
		return 0, apperr.Validation("invalid start cell %q", startCell)
	}

	width := 0
	for _, r := range values {
		width = max(width, len(r))
	}

	u := fmt.Sprintf("%s/open-apis/sheets/v2/spreadsheets/%s/values_batch_update", c.baseURL, url.PathEscape(spreadsheetToken))

	sent := 0
	for offset := 0; offset < len(values); offset += c.maxRows {
		chunk := values[offset:min(offset+c.maxRows, len(values))]

		anchor, err := excelize.CoordinatesToCellName(col, row+offset)
		if err != nil {
			return sent, apperr.Validation("row %d is out of bounds", row+offset)
		}
		rng, err := RangeFor(sheetID, anchor, len(chunk), width)
		if err != nil {
			return sent, err
		}

		req := batchUpdateRequest{ValueRanges: []valueRange{{Range: rng, Values: normalizeRows(chunk, width)}}}
		if err := c.post(ctx, u, req); err != nil {
			return sent, err
		}
		sent++
		c.logger.Info("range written", "range", rng, "rows", len(chunk))
	}
	return sent, nil
}

func (c *Client) post(ctx context.Context, u string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.RandomizationFactor = 0

	resp, err := backoff.Retry(ctx, func() (*apiResponse, error) {
		resp, err := c.postOnce(ctx, u, body)
		if err == nil {
			return resp, nil
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
			metrics.RecordRetry(endpointBatchUpdate)
			c.logger.Warn("request timed out, retrying", "next", next, "err", err)
		}),
	)
	if err != nil {
		metrics.RecordRemoteRequest(endpointBatchUpdate, "transport_error")
		return err
	}
	if resp.Code != 0 {
		metrics.RecordRemoteRequest(endpointBatchUpdate, "api_error")
		return apperr.Application("values batch update", resp.Code, resp.Msg)
	}
	metrics.RecordRemoteRequest(endpointBatchUpdate, "success")
	return nil
}

func (c *Client) postOnce(ctx context.Context, u string, body []byte) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Transport("values batch update", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Transport("values batch update", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transport("values batch update", fmt.Errorf("failed to read response body: %w", err))
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Transport("values batch update", fmt.Errorf("status %d: failed to unmarshal response: %w", resp.StatusCode, err))
	}
	if out.Code == 0 && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return nil, apperr.Transport("values batch update", fmt.Errorf("API returned status %d", resp.StatusCode))
	}
	return &out, nil
}

// normalizeRows pads rows to width and converts cells to JSON friendly
// values: times become strings, nil becomes "".
func normalizeRows(rows [][]any, width int) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		cells := make([]any, width)
		for j := range cells {
			var v any
			if j < len(r) {
				v = r[j]
			}
			cells[j] = normalizeCell(v)
		}
		out[i] = cells
	}
	return out
}

func normalizeCell(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.Format(cellTimeLayout)
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.Format(cellTimeLayout)
	default:
		return x
	}
}
