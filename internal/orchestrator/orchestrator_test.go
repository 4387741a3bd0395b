package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kirobridge/kirobridge/internal/credpool"
	"github.com/kirobridge/kirobridge/internal/credstore"
	"github.com/kirobridge/kirobridge/internal/kiroerr"
	"github.com/kirobridge/kirobridge/internal/kiroproto"
	"github.com/kirobridge/kirobridge/internal/refresher"
	"github.com/stretchr/testify/require"
)

// --- wire-frame helpers, mirroring eventstream's own test encoder since
// the production decoder has no corresponding encoder to import. ---

const (
	preludeLen    = 8
	preludeCRCLen = 4
	messageCRCLen = 4
	minFrameLen   = preludeLen + preludeCRCLen + messageCRCLen
)

func encodeHeader(name string, typ byte, value []byte) []byte {
	buf := make([]byte, 0, 2+len(name)+len(value))
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, typ)
	buf = append(buf, value...)
	return buf
}

func stringHeaderValue(s string) []byte {
	v := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(v, uint16(len(s)))
	copy(v[2:], s)
	return v
}

const headerTypeString = 7

func eventTypeHeader(name string) []byte {
	return encodeHeader(":event-type", headerTypeString, stringHeaderValue(name))
}

func encodeFrame(headers, payload []byte) []byte {
	totalLength := uint32(minFrameLen + len(headers) + len(payload))
	prelude := make([]byte, preludeLen)
	binary.BigEndian.PutUint32(prelude[0:4], totalLength)
	binary.BigEndian.PutUint32(prelude[4:8], uint32(len(headers)))

	preludeCRC := make([]byte, 4)
	binary.BigEndian.PutUint32(preludeCRC, crc32.ChecksumIEEE(prelude))

	msg := append([]byte{}, prelude...)
	msg = append(msg, preludeCRC...)
	msg = append(msg, headers...)
	msg = append(msg, payload...)

	messageCRC := make([]byte, 4)
	binary.BigEndian.PutUint32(messageCRC, crc32.ChecksumIEEE(msg))
	return append(msg, messageCRC...)
}

func happyPathStream() []byte {
	var out []byte
	out = append(out, encodeFrame(eventTypeHeader("messageStartEvent"), nil)...)
	out = append(out, encodeFrame(eventTypeHeader("contentBlockStartEvent"), []byte(`{"index":0,"kind":"text"}`))...)
	out = append(out, encodeFrame(eventTypeHeader("assistantResponseEvent"), []byte(`{"index":0,"content":"pong"}`))...)
	out = append(out, encodeFrame(eventTypeHeader("contentBlockStopEvent"), []byte(`{"index":0}`))...)
	out = append(out, encodeFrame(eventTypeHeader("messageDeltaEvent"), []byte(`{"stopReason":"end_turn","usage":{"inputTokens":1,"outputTokens":1}}`))...)
	out = append(out, encodeFrame(eventTypeHeader("messageStopEvent"), nil)...)
	return out
}

// --- fakes ---

type memStore struct {
	mu    sync.Mutex
	creds map[string]credstore.Credential
}

func newMemStore(creds ...credstore.Credential) *memStore {
	m := &memStore{creds: make(map[string]credstore.Credential)}
	for _, c := range creds {
		m.creds[c.ID] = c
	}
	return m
}

func (s *memStore) List(context.Context) ([]credstore.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]credstore.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) Update(_ context.Context, id string, patch credstore.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return errors.New("no such credential")
	}
	c.AccessToken = patch.AccessToken
	c.ExpiresAt = patch.ExpiresAt
	if patch.ProfileArn != nil {
		c.ProfileArn = *patch.ProfileArn
	}
	if patch.RotatedRefreshToken != nil {
		c.RefreshToken = *patch.RotatedRefreshToken
	}
	s.creds[id] = c
	return nil
}

func (s *memStore) Fingerprint(context.Context) (credstore.Fingerprint, error) {
	return "static", nil
}

func validCredential(id string, priority int) credstore.Credential {
	return credstore.Credential{
		ID:           id,
		RefreshToken: "rt-" + id,
		AccessToken:  "at-" + id,
		ExpiresAt:    time.Now().Add(time.Hour),
		AuthMethod:   credstore.AuthMethodSocial,
		Priority:     priority,
		Region:       "us-east-1",
	}
}

func expiredCredential(id string, priority int) credstore.Credential {
	c := validCredential(id, priority)
	c.AccessToken = ""
	c.ExpiresAt = time.Time{}
	return c
}

func neverRefresh(context.Context, refresher.Request) (*refresher.Result, error) {
	return nil, errors.New("refresh should not have been called")
}

type scriptedResponse struct {
	status int
	body   []byte
	err    error
}

// scriptedTransport returns responses off a fixed script, in order,
// regardless of which credential the call was made for.
type scriptedTransport struct {
	mu     sync.Mutex
	script []scriptedResponse
	calls  int
}

func (t *scriptedTransport) Do(context.Context, UpstreamRequest) (*UpstreamResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls >= len(t.script) {
		return nil, errors.New("scriptedTransport: out of responses")
	}
	resp := t.script[t.calls]
	t.calls++
	if resp.err != nil {
		return nil, resp.err
	}
	return &UpstreamResponse{StatusCode: resp.status, Body: io.NopCloser(bytes.NewReader(resp.body))}, nil
}

type recordingSink struct {
	events []kiroproto.SSEEvent
}

func (s *recordingSink) WriteEvent(e kiroproto.SSEEvent) error {
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) names() []string {
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.Name
	}
	return names
}

func testOrchestrator(t *testing.T, pool *credpool.Pool, transport Transport) *Orchestrator {
	t.Helper()
	o := New(pool, transport, kiroproto.FingerprintConfig{
		KiroVersion:   "1.0.0",
		SystemVersion: "test",
		NodeVersion:   "test",
	}, ProxyConfig{}, time.Second, time.Second)
	o.sleep = func(context.Context, time.Duration) error { return nil } // no waiting in tests
	return o
}

func TestOrchestrator_Complete_HappyPath(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(validCredential("a", 0))
	pool, err := credpool.New(ctx, store, neverRefresh, "")
	require.NoError(t, err)

	transport := &scriptedTransport{script: []scriptedResponse{{status: 200, body: happyPathStream()}}}
	o := testOrchestrator(t, pool, transport)

	resp, err := o.Complete(ctx, kiroproto.Request{Model: "claude-sonnet-4-20250514", MaxTokens: 100})
	require.NoError(t, err)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "pong", resp.Content[0].Text)
	require.Equal(t, 1, transport.calls)
}

func TestOrchestrator_ServeStream_HappyPath(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(validCredential("a", 0))
	pool, err := credpool.New(ctx, store, neverRefresh, "")
	require.NoError(t, err)

	transport := &scriptedTransport{script: []scriptedResponse{{status: 200, body: happyPathStream()}}}
	o := testOrchestrator(t, pool, transport)

	sink := &recordingSink{}
	err = o.ServeStream(ctx, kiroproto.Request{Model: "claude-sonnet-4-20250514", MaxTokens: 100}, sink)
	require.NoError(t, err)
	require.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, sink.names())
}

// TestOrchestrator_FailoverAcrossCredentials covers spec.md §8's
// failover-after-repeated-5xx scenario: the first credential exhausts
// its PER_CREDENTIAL_MAX on transient failures and the pool moves on to
// the next one, which succeeds.
func TestOrchestrator_FailoverAcrossCredentials(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(validCredential("a", 0), validCredential("b", 1))
	pool, err := credpool.New(ctx, store, neverRefresh, "")
	require.NoError(t, err)

	transport := &scriptedTransport{script: []scriptedResponse{
		{status: 500},
		{status: 500},
		{status: 500},
		{status: 200, body: happyPathStream()},
	}}
	o := testOrchestrator(t, pool, transport)

	resp, err := o.Complete(ctx, kiroproto.Request{Model: "claude-sonnet-4-20250514", MaxTokens: 100})
	require.NoError(t, err)
	require.Equal(t, "pong", resp.Content[0].Text)
	require.Equal(t, 4, transport.calls)
}

// TestOrchestrator_AuthInvalidMovesToNextCredential covers the
// auth-invalid branch: a single 401 stops retrying on that credential
// immediately rather than spending all PER_CREDENTIAL_MAX attempts on it.
func TestOrchestrator_AuthInvalidMovesToNextCredential(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(validCredential("a", 0))
	pool, err := credpool.New(ctx, store, neverRefresh, "")
	require.NoError(t, err)

	transport := &scriptedTransport{script: []scriptedResponse{{status: 401, body: []byte(`{"error":"invalid_grant"}`)}}}
	o := testOrchestrator(t, pool, transport)

	_, err = o.Complete(ctx, kiroproto.Request{Model: "claude-sonnet-4-20250514", MaxTokens: 100})
	require.Error(t, err)
	var coded *kiroerr.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, kiroerr.KindPolicyExhausted, coded.Kind)
	require.Equal(t, 1, transport.calls)
}

// TestOrchestrator_RefreshAuthInvalidMovesToNextCredential covers
// spec.md §4.4/§7/§8 scenario 4 from the Orchestrator's side: a refresh
// that itself fails with invalid_grant is surfaced as an auth-invalid
// outcome rather than a generic transient one, so the credential is
// skipped (never reaching the transport) and the request fails over to
// the next credential instead of burning its PER_CREDENTIAL_MAX retries.
func TestOrchestrator_RefreshAuthInvalidMovesToNextCredential(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(expiredCredential("a", 0), validCredential("b", 1))

	refresh := func(_ context.Context, req refresher.Request) (*refresher.Result, error) {
		if req.RefreshToken == "rt-a" {
			return nil, kiroerr.WithStatus(kiroerr.KindAuthInvalid, "invalid_grant", 401)
		}
		return nil, errors.New("refresh should not have been called for b")
	}
	pool, err := credpool.New(ctx, store, refresh, "")
	require.NoError(t, err)

	transport := &scriptedTransport{script: []scriptedResponse{{status: 200, body: happyPathStream()}}}
	o := testOrchestrator(t, pool, transport)

	resp, err := o.Complete(ctx, kiroproto.Request{Model: "claude-sonnet-4-20250514", MaxTokens: 100})
	require.NoError(t, err)
	require.Equal(t, "pong", resp.Content[0].Text)
	require.Equal(t, 1, transport.calls, "credential a never reaches the transport since its refresh fails")
}

// TestOrchestrator_UpstreamRejectedIsTerminal covers the non-auth 4xx
// branch: it must not be retried at all, even against another credential.
func TestOrchestrator_UpstreamRejectedIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(validCredential("a", 0), validCredential("b", 1))
	pool, err := credpool.New(ctx, store, neverRefresh, "")
	require.NoError(t, err)

	transport := &scriptedTransport{script: []scriptedResponse{{status: 400, body: []byte(`{"error":"bad request"}`)}}}
	o := testOrchestrator(t, pool, transport)

	_, err = o.Complete(ctx, kiroproto.Request{Model: "claude-sonnet-4-20250514", MaxTokens: 100})
	require.Error(t, err)
	var coded *kiroerr.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, kiroerr.KindUpstreamRejected, coded.Kind)
	require.Equal(t, 1, transport.calls)
}

// TestOrchestrator_StreamingNoRetryAfterFirstByte covers spec.md §4.6's
// streaming caveat: once SSE bytes reach the client, a subsequent decode
// failure must surface as an in-band error event rather than a retry.
func TestOrchestrator_StreamingNoRetryAfterFirstByte(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(validCredential("a", 0))
	pool, err := credpool.New(ctx, store, neverRefresh, "")
	require.NoError(t, err)

	good := encodeFrame(eventTypeHeader("contentBlockStartEvent"), []byte(`{"index":0,"kind":"text"}`))
	truncated := append(good, []byte{0, 0, 0, 99, 0, 0, 0, 1}...) // corrupt/partial second frame

	transport := &scriptedTransport{script: []scriptedResponse{{status: 200, body: truncated}}}
	o := testOrchestrator(t, pool, transport)

	sink := &recordingSink{}
	err = o.ServeStream(ctx, kiroproto.Request{Model: "m", MaxTokens: 100}, sink)
	require.Error(t, err)
	require.Equal(t, 1, transport.calls, "no retry once the client has received bytes")
	require.Contains(t, sink.names(), "content_block_start")
	require.Contains(t, sink.names(), "error")
}

// TestOrchestrator_PolicyExhaustedWhenNoCredentials covers the empty-pool
// edge case: the loop body never executes and the request fails fast.
func TestOrchestrator_PolicyExhaustedWhenNoCredentials(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	pool, err := credpool.New(ctx, store, neverRefresh, "")
	require.NoError(t, err)

	transport := &scriptedTransport{}
	o := testOrchestrator(t, pool, transport)

	_, err = o.Complete(ctx, kiroproto.Request{Model: "m", MaxTokens: 100})
	require.Error(t, err)
	var coded *kiroerr.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, kiroerr.KindPolicyExhausted, coded.Kind)
	require.Equal(t, 0, transport.calls)
}
