package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/kirobridge/kirobridge/internal/credpool"
)

// kiroEndpointTemplate is the Kiro region endpoint spec.md §6 describes as
// "the Kiro region endpoint"; grounded on the teacher's fixed
// `kiroEndpoint = "https://q.us-east-1.amazonaws.com"`, generalized to the
// per-credential region.
const kiroEndpointTemplate = "https://q.%s.amazonaws.com"

const defaultRegion = "us-east-1"

const (
	kiroContentType = "application/x-amz-json-1.0"
	kiroTarget      = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"
)

// UpstreamRequest is everything Transport needs to build one POST to Kiro.
// The caller is responsible for applying the per-attempt timeout to ctx
// before calling Do.
type UpstreamRequest struct {
	Lease        *credpool.Lease
	Body         []byte
	ExtraHeaders map[string]string
	Proxy        ProxyConfig
}

// ProxyConfig carries the outbound proxy settings spec.md §6 names
// (proxyUrl/proxyUsername/proxyPassword); empty URL means no proxy.
type ProxyConfig struct {
	URL      string
	Username string
	Password string
}

// UpstreamResponse is the raw HTTP result of one upstream attempt. Body is
// always non-nil on a non-error return and must be closed by the caller.
type UpstreamResponse struct {
	StatusCode int
	Body       io.ReadCloser
}

// Transport performs the outbound HTTPS POST to Kiro. It is an interface
// so the Orchestrator can be driven by a fake transport in tests without
// a real network.
type Transport interface {
	Do(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, error)
}

// HTTPTransport is the production Transport: a thin wrapper that uses the
// shared http.DefaultClient when no proxy is configured and builds a new
// proxy-aware *http.Client per call when one is.
type HTTPTransport struct{}

// NewHTTPTransport builds the production Transport.
func NewHTTPTransport() *HTTPTransport { return &HTTPTransport{} }

// Do issues the POST.
func (t *HTTPTransport) Do(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, error) {
	region := req.Lease.Region
	if region == "" {
		region = defaultRegion
	}
	endpoint := fmt.Sprintf(kiroEndpointTemplate, region)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", kiroContentType)
	httpReq.Header.Set("x-amz-target", kiroTarget)
	httpReq.Header.Set("Authorization", "Bearer "+req.Lease.AccessToken)
	for k, v := range req.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := proxyAwareClient(req.Proxy).Do(httpReq)
	if err != nil {
		return nil, err
	}
	return &UpstreamResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

func proxyAwareClient(proxy ProxyConfig) *http.Client {
	if proxy.URL == "" {
		return http.DefaultClient
	}
	proxyURL, err := url.Parse(proxy.URL)
	if err != nil {
		return http.DefaultClient
	}
	if proxy.Username != "" {
		proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
	}
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
}
