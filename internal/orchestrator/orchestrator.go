// Package orchestrator drives one inbound Anthropic-shaped request
// through credential selection, the upstream Kiro call, frame decoding,
// protocol translation, retry/failover, and response delivery.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/kirobridge/kirobridge/internal/credpool"
	"github.com/kirobridge/kirobridge/internal/eventstream"
	"github.com/kirobridge/kirobridge/internal/kiroerr"
	"github.com/kirobridge/kirobridge/internal/kiroproto"
	"github.com/kirobridge/kirobridge/internal/korelog"
)

// Per spec.md §4.6.
const (
	perCredentialMax = 3
	perRequestMax    = 9
)

const (
	innerBackoffBase = 200 * time.Millisecond
	innerBackoffCap  = 5 * time.Second
)

// SSESink receives the translated SSE events for one streaming request,
// in order. A non-nil return from WriteEvent is treated as the client
// having gone away: the Orchestrator stops forwarding and releases the
// upstream connection.
type SSESink interface {
	WriteEvent(kiroproto.SSEEvent) error
}

// Orchestrator ties together a credential Pool and a Transport to serve
// one request at a time; a single Orchestrator value is safe to reuse
// across concurrent requests since it holds no per-request state itself.
type Orchestrator struct {
	pool        *credpool.Pool
	transport   Transport
	fingerprint kiroproto.FingerprintConfig
	proxy       ProxyConfig

	streamTimeout    time.Duration
	nonStreamTimeout time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Orchestrator. streamTimeout/nonStreamTimeout are the
// per-upstream-call budgets spec.md §5 describes (defaults 300s/30s).
func New(pool *credpool.Pool, transport Transport, fingerprint kiroproto.FingerprintConfig, proxy ProxyConfig, streamTimeout, nonStreamTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		pool:             pool,
		transport:        transport,
		fingerprint:      fingerprint,
		proxy:            proxy,
		streamTimeout:    streamTimeout,
		nonStreamTimeout: nonStreamTimeout,
		sleep:            ctxSleep,
	}
}

// ServeStream drives a stream=true request to completion, writing
// translated SSE events to sink as they arrive. A rejected request,
// exhausted credentials, or a decode failure after the first event are
// written to sink as an SSE error event and also returned, so the caller
// must not write its own error response for them. A context cancellation
// or a failed sink write is returned without writing to sink.
func (o *Orchestrator) ServeStream(ctx context.Context, req kiroproto.Request, sink SSESink) error {
	_, err := o.run(ctx, req, true, sink)
	return err
}

// Complete drives a stream=false request to completion and returns the
// assembled Anthropic response.
func (o *Orchestrator) Complete(ctx context.Context, req kiroproto.Request) (*kiroproto.Response, error) {
	return o.run(ctx, req, false, nil)
}

func (o *Orchestrator) run(ctx context.Context, req kiroproto.Request, streaming bool, sink SSESink) (*kiroproto.Response, error) {
	attemptsTotal := 0

	for _, id := range o.pool.Candidates() {
		perCredAttempts := 0

	perCredential:
		for perCredAttempts < perCredentialMax && attemptsTotal < perRequestMax {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			lease, err := o.pool.Acquire(ctx, id)
			attemptsTotal++
			perCredAttempts++
			korelog.Attempt(korelog.Credential(id), perCredAttempts, attemptsTotal).Debug("upstream attempt")
			if err != nil {
				// A refresh that itself failed with an auth-invalid class
				// (401 / invalid_grant) is reported as such rather than as
				// a generic transient failure, per spec.md §4.4/§7 — Report
				// disables the credential immediately when this follows an
				// already-forced refresh.
				if kiroerr.Is(err, kiroerr.KindAuthInvalid) {
					o.pool.Report(id, credpool.OutcomeAuthInvalid)
					break perCredential
				}
				o.pool.Report(id, credpool.OutcomeTransient)
				if serr := o.sleep(ctx, backoffFor(perCredAttempts)); serr != nil {
					return nil, serr
				}
				continue
			}

			resp, err := o.attemptOnce(ctx, lease, req, streaming)
			if err != nil {
				o.pool.Report(id, credpool.OutcomeTransient)
				if serr := o.sleep(ctx, backoffFor(perCredAttempts)); serr != nil {
					return nil, serr
				}
				continue
			}

			switch classifyStatus(resp.StatusCode) {
			case credpool.OutcomeAuthInvalid:
				drainAndClose(resp.Body)
				o.pool.Report(id, credpool.OutcomeAuthInvalid)
				break perCredential

			case credpool.OutcomeUpstreamRejected:
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				o.pool.Report(id, credpool.OutcomeUpstreamRejected)
				rejected := kiroerr.WithStatus(kiroerr.KindUpstreamRejected, string(body), resp.StatusCode)
				return o.deliverTerminal(rejected, streaming, sink)

			case credpool.OutcomeTransient:
				drainAndClose(resp.Body)
				o.pool.Report(id, credpool.OutcomeTransient)
				if serr := o.sleep(ctx, backoffFor(perCredAttempts)); serr != nil {
					return nil, serr
				}

			default: // success
				result, consumeErr, firstByteWritten := o.consume(ctx, resp.Body, req, streaming, sink)
				resp.Body.Close()
				if consumeErr == nil {
					o.pool.Report(id, credpool.OutcomeSuccess)
					return result, nil
				}
				o.pool.Report(id, credpool.OutcomeTransient)
				if !firstByteWritten {
					if serr := o.sleep(ctx, backoffFor(perCredAttempts)); serr != nil {
						return nil, serr
					}
					continue
				}
				// Streaming caveat (spec.md §4.6): once bytes have reached
				// the client, this attempt is no longer retryable.
				return nil, consumeErr
			}
		}
	}

	exhausted := kiroerr.WithStatus(kiroerr.KindPolicyExhausted, "no credential completed the request", http.StatusServiceUnavailable)
	return o.deliverTerminal(exhausted, streaming, sink)
}

// attemptOnce translates the request for lease and performs the upstream
// HTTP call, applying the configured per-attempt timeout.
func (o *Orchestrator) attemptOnce(ctx context.Context, lease *credpool.Lease, req kiroproto.Request, streaming bool) (*UpstreamResponse, error) {
	body, headers, err := kiroproto.ToUpstream(req, o.fingerprint, kiroproto.CredentialFingerprint{
		ProfileArn: lease.ProfileArn,
		MachineID:  lease.MachineID,
	})
	if err != nil {
		return nil, err
	}

	timeout := o.nonStreamTimeout
	if streaming {
		timeout = o.streamTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := o.transport.Do(callCtx, UpstreamRequest{
		Lease:        lease,
		Body:         body,
		ExtraHeaders: headers,
		Proxy:        o.proxy,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// consume decodes the upstream event-stream body and either writes
// translated SSE events to sink (streaming) or buffers a non-streaming
// Response. It returns firstByteWritten=true only once at least one SSE
// event has been handed to sink, which is what makes a later failure
// non-retryable.
func (o *Orchestrator) consume(ctx context.Context, body io.Reader, req kiroproto.Request, streaming bool, sink SSESink) (*kiroproto.Response, error, bool) {
	decoder := eventstream.NewDecoder(body)

	if !streaming {
		collector := kiroproto.NewCollector(req.Model)
		for {
			ev, err := decoder.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, kiroerr.Wrap(kiroerr.KindDecodeError, "upstream stream decode failed", err), false
			}
			collector.Feed(ev)
		}
		resp, err := collector.Result()
		if err != nil {
			return nil, err, false
		}
		return resp, nil, false
	}

	translator := kiroproto.NewStreamTranslator(req.Model)
	firstByteWritten := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err, firstByteWritten
		}
		ev, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			decodeErr := kiroerr.Wrap(kiroerr.KindDecodeError, "upstream stream decode failed", err)
			if !firstByteWritten {
				return nil, decodeErr, false
			}
			_ = sink.WriteEvent(errorEvent(decodeErr))
			return nil, decodeErr, true
		}
		for _, se := range translator.Feed(ev) {
			// Set before the write: once an event has been handed to sink,
			// a failed write ends the request instead of being retried.
			firstByteWritten = true
			if werr := sink.WriteEvent(se); werr != nil {
				return nil, werr, firstByteWritten
			}
		}
	}
	return nil, nil, firstByteWritten
}

// deliverTerminal surfaces a non-retryable failure: as one SSE error
// event for streaming requests (the 200 OK and SSE headers are already
// committed by the time the Orchestrator runs), or as a plain error the
// caller renders as a JSON Anthropic error envelope for non-streaming
// requests.
func (o *Orchestrator) deliverTerminal(err *kiroerr.Error, streaming bool, sink SSESink) (*kiroproto.Response, error) {
	if streaming && sink != nil {
		_ = sink.WriteEvent(errorEvent(err))
	}
	return nil, err
}

func errorEvent(err *kiroerr.Error) kiroproto.SSEEvent {
	data, _ := json.Marshal(err.ToAnthropicEnvelope())
	return kiroproto.SSEEvent{Name: "error", Data: data}
}

func drainAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, r)
	_ = r.Close()
}

// backoffFor returns the exponential-with-jitter delay between same-
// credential retry attempts, per spec.md §4.6.
func backoffFor(attempt int) time.Duration {
	d := innerBackoffBase << uint(attempt-1)
	if d > innerBackoffCap || d <= 0 {
		d = innerBackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
