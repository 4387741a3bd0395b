// Package refresher exchanges a credential's refresh token for a fresh
// access token, in either of the two dialects Kiro accounts use.
package refresher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirobridge/kirobridge/internal/kiroerr"
)

// AuthMethod names the refresh dialect a credential uses.
type AuthMethod string

const (
	MethodSocial              AuthMethod = "social"
	MethodEnterpriseDirectory AuthMethod = "enterprise-directory"
)

// Request carries everything a dialect needs to build its refresh call.
type Request struct {
	AuthMethod   AuthMethod
	RefreshToken string
	ClientID     string
	ClientSecret string
	Region       string // used only by the enterprise-directory dialect
}

// Result is the normalized outcome of a successful refresh, common to
// both dialects.
type Result struct {
	AccessToken         string
	ExpiresAt           time.Time
	ProfileArn          string // optional, empty if the dialect doesn't return one
	RotatedRefreshToken string // empty if the dialect didn't rotate the token
}

// socialEndpoint is the fixed endpoint the social dialect POSTs to.
const socialEndpoint = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"

// oidcEndpointTemplate is the per-region enterprise-directory endpoint.
const oidcEndpointTemplate = "https://oidc.%s.amazonaws.com/token"

// Refresher performs refresh calls over HTTP, in the teacher's style of a
// thin wrapper around a shared client rather than a per-call client.
type Refresher struct {
	httpClient *http.Client

	// socialEndpoint and oidcEndpointTemplate default to the real Kiro
	// endpoints; tests override them to point at a local server.
	socialEndpoint       string
	oidcEndpointTemplate string
}

// New builds a Refresher. A nil client defaults to http.DefaultClient.
func New(httpClient *http.Client) *Refresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Refresher{
		httpClient:           httpClient,
		socialEndpoint:       socialEndpoint,
		oidcEndpointTemplate: oidcEndpointTemplate,
	}
}

// Refresh dispatches to the dialect named by req.AuthMethod.
func (r *Refresher) Refresh(ctx context.Context, req Request) (*Result, error) {
	if req.RefreshToken == "" {
		return nil, kiroerr.New(kiroerr.KindConfigError, "refresh token is required")
	}
	switch req.AuthMethod {
	case MethodSocial:
		return r.refreshSocial(ctx, req)
	case MethodEnterpriseDirectory:
		return r.refreshEnterpriseDirectory(ctx, req)
	default:
		return nil, kiroerr.New(kiroerr.KindConfigError, fmt.Sprintf("unknown auth method: %s", req.AuthMethod))
	}
}

func (r *Refresher) refreshSocial(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(struct {
		RefreshToken string `json:"refreshToken"`
	}{RefreshToken: req.RefreshToken})
	if err != nil {
		return nil, kiroerr.Wrap(kiroerr.KindConfigError, "failed to encode refresh body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.socialEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, kiroerr.Wrap(kiroerr.KindConfigError, "failed to build refresh request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	respBody, status, err := r.do(httpReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyRefreshFailure(status, respBody)
	}

	var parsed struct {
		AccessToken  string `json:"accessToken"`
		ExpiresAt    string `json:"expiresAt"`
		ProfileArn   string `json:"profileArn"`
		RefreshToken string `json:"refreshToken"`
	}
	if err = json.Unmarshal(respBody, &parsed); err != nil {
		return nil, kiroerr.Wrap(kiroerr.KindDecodeError, "failed to parse social refresh response", err)
	}

	expiresAt, err := time.Parse(time.RFC3339, parsed.ExpiresAt)
	if err != nil {
		return nil, kiroerr.Wrap(kiroerr.KindDecodeError, "failed to parse expiresAt", err)
	}

	return &Result{
		AccessToken:         parsed.AccessToken,
		ExpiresAt:           expiresAt,
		ProfileArn:          parsed.ProfileArn,
		RotatedRefreshToken: parsed.RefreshToken, // empty string if not rotated; caller keeps old token
	}, nil
}

func (r *Refresher) refreshEnterpriseDirectory(ctx context.Context, req Request) (*Result, error) {
	if req.ClientID == "" || req.ClientSecret == "" {
		return nil, kiroerr.New(kiroerr.KindConfigError, "client credentials are required for enterprise-directory refresh")
	}
	region := req.Region
	if region == "" {
		return nil, kiroerr.New(kiroerr.KindConfigError, "region is required for enterprise-directory refresh")
	}

	tokenURL := fmt.Sprintf(r.oidcEndpointTemplate, region)
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {req.RefreshToken},
		"client_id":     {req.ClientID},
		"client_secret": {req.ClientSecret},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, kiroerr.Wrap(kiroerr.KindConfigError, "failed to build refresh request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	respBody, status, err := r.do(httpReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyRefreshFailure(status, respBody)
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err = json.Unmarshal(respBody, &parsed); err != nil {
		return nil, kiroerr.Wrap(kiroerr.KindDecodeError, "failed to parse oidc refresh response", err)
	}

	refreshStart := time.Now().UTC()
	return &Result{
		AccessToken:         parsed.AccessToken,
		ExpiresAt:           refreshStart.Add(time.Duration(parsed.ExpiresIn) * time.Second),
		RotatedRefreshToken: parsed.RefreshToken,
	}, nil
}

func (r *Refresher) do(req *http.Request) ([]byte, int, error) {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, kiroerr.Wrap(kiroerr.KindTransientUpstream, "refresh request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, kiroerr.Wrap(kiroerr.KindTransientUpstream, "failed to read refresh response", err)
	}
	return body, resp.StatusCode, nil
}

// classifyRefreshFailure maps a non-200 refresh response to the correct
// error kind: 401 or an OIDC invalid_grant body is AuthInvalid (disables
// the credential on repeat), 5xx is transient, any other 4xx is a
// non-retryable refresh error surfaced as AuthInvalid's sibling,
// UpstreamRejected.
func classifyRefreshFailure(status int, body []byte) error {
	if status == http.StatusUnauthorized || strings.Contains(string(body), "invalid_grant") {
		return kiroerr.WithStatus(kiroerr.KindAuthInvalid, fmt.Sprintf("refresh rejected with status %d: %s", status, body), status)
	}
	if status >= 500 {
		return kiroerr.WithStatus(kiroerr.KindTransientUpstream, fmt.Sprintf("refresh endpoint returned %d", status), status)
	}
	return kiroerr.WithStatus(kiroerr.KindUpstreamRejected, fmt.Sprintf("refresh failed with status %d: %s", status, body), status)
}
