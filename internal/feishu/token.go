package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/cyderes/bili-ingest/internal/apperr"
)

const tokenPath = "/open-apis/auth/v3/tenant_access_token/internal"

// expiryMargin is subtracted from the reported lifetime so a token is
// refreshed before the server rejects it.
const expiryMargin = time.Minute

// TokenSource fetches tenant access tokens with app credentials.
type TokenSource struct {
	ctx        context.Context
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	now        func() time.Time
}

// NewTokenSource creates a token source. httpClient must not itself carry
// an oauth2 transport.
func NewTokenSource(ctx context.Context, baseURL, appID, appSecret string, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{
		ctx:        ctx,
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: httpClient,
		now:        time.Now,
	}
}

type tokenResponse struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Token  string `json:"tenant_access_token"`
	Expire int64  `json:"expire"`
}

// Token implements oauth2.TokenSource.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	if s.appID == "" || s.appSecret == "" {
		return nil, apperr.Validation("feishu app_id and app_secret are required")
	}

	body, err := json.Marshal(map[string]string{"app_id": s.appID, "app_secret": s.appSecret})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.baseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Transport("tenant token", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport("tenant token", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transport("tenant token", fmt.Errorf("failed to read response body: %w", err))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, apperr.Transport("tenant token", fmt.Errorf("status %d: failed to unmarshal response: %w", resp.StatusCode, err))
	}
	if tr.Code != 0 {
		return nil, apperr.Application("tenant token", tr.Code, tr.Msg)
	}
	if tr.Token == "" {
		return nil, apperr.Application("tenant token", tr.Code, "response has no tenant_access_token")
	}

	lifetime := time.Duration(tr.Expire) * time.Second
	if lifetime > 2*expiryMargin {
		lifetime -= expiryMargin
	}
	return &oauth2.Token{
		AccessToken: tr.Token,
		TokenType:   "Bearer",
		Expiry:      s.now().Add(lifetime),
	}, nil
}
