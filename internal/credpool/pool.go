// Package credpool maintains the live, in-memory set of credentials,
// handing out leases with valid access tokens and tracking the failure
// accounting that disables a misbehaving credential.
package credpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kirobridge/kirobridge/internal/credstore"
	"github.com/kirobridge/kirobridge/internal/kiroerr"
	"github.com/kirobridge/kirobridge/internal/kiroproto"
	"github.com/kirobridge/kirobridge/internal/korelog"
	"github.com/kirobridge/kirobridge/internal/refresher"
	"golang.org/x/sync/singleflight"
)

// refreshSafetyMargin is how far ahead of expiresAt acquire() proactively
// triggers a refresh.
const refreshSafetyMargin = 60 * time.Second

// Outcome is the per-attempt result the Orchestrator reports back.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomeAuthInvalid
	OutcomeUpstreamRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeAuthInvalid:
		return "auth_invalid"
	case OutcomeUpstreamRejected:
		return "upstream_rejected"
	default:
		return "unknown"
	}
}

// Lease is a short-lived, read-only view of a credential handed to the
// Orchestrator for the duration of one upstream attempt.
type Lease struct {
	ID           string
	AccessToken  string
	ProfileArn   string
	Region       string
	MachineID    string
	AuthMethod   credstore.AuthMethod
	ClientID     string
	ClientSecret string
}

type entry struct {
	mu sync.Mutex // per-credential mutex guarding token updates, not the whole map

	cred                credstore.Credential
	consecutiveFailures int
	disabledUntil       time.Time
	forceRefresh        bool // set by an auth-invalid report; cleared by a successful refresh or a success report, not by a failed refresh
}

// Pool owns the live credential map. The zero value is not usable; build
// one with New.
type Pool struct {
	store     credstore.Store
	refresh   func(ctx context.Context, req refresher.Request) (*refresher.Result, error)
	now       func() time.Time
	globalMID string // configured machineId override, falls back further per kiroproto.ResolveMachineID

	mu          sync.RWMutex
	creds       map[string]*entry
	tierCursors map[int]int

	sf singleflight.Group

	fingerprintMu sync.Mutex
	lastFP        credstore.Fingerprint
}

// New builds a Pool and performs the initial load from store.
// globalMachineID is the configured fallback device fingerprint (spec.md
// §6's machineId override); credentials with their own machineId ignore it.
func New(ctx context.Context, store credstore.Store, refresh func(ctx context.Context, req refresher.Request) (*refresher.Result, error), globalMachineID string) (*Pool, error) {
	p := &Pool{
		store:       store,
		refresh:     refresh,
		now:         time.Now,
		globalMID:   globalMachineID,
		creds:       make(map[string]*entry),
		tierCursors: make(map[int]int),
	}
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-lists the store and diffs it against the live map: adds new
// credentials, removes deleted ones, and for survivors preserves runtime
// state (consecutiveFailures, disabledUntil) unless refreshToken changed.
func (p *Pool) Reload(ctx context.Context) error {
	fresh, err := p.store.List(ctx)
	if err != nil {
		return kiroerr.Wrap(kiroerr.KindTransientUpstream, "failed to list credentials", err)
	}

	seen := make(map[string]bool, len(fresh))
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range fresh {
		c.MachineID = kiroproto.ResolveMachineID(c.MachineID, p.globalMID, c.RefreshToken)

		// A malformed record (empty refreshToken, missing enterprise-directory
		// client credentials, a bad machineId) never enters the live map: it
		// is excluded here rather than failing confusingly downstream, e.g. a
		// refresh POSTed with an empty refresh token.
		if err := c.Validate(); err != nil {
			korelog.Credential(c.ID).Warnf("skipping invalid credential on reload: %v", err)
			continue
		}
		seen[c.ID] = true

		existing, ok := p.creds[c.ID]
		if !ok {
			p.creds[c.ID] = &entry{cred: c}
			continue
		}

		existing.mu.Lock()
		tokenRotated := existing.cred.RefreshToken != c.RefreshToken
		// Keep the access token we hold when the store's record carries
		// none; a non-empty token in the store replaces ours along with
		// its expiry, whichever is newer.
		if existing.cred.AccessToken != "" && c.AccessToken == "" {
			c.AccessToken = existing.cred.AccessToken
			c.ExpiresAt = existing.cred.ExpiresAt
		}
		existing.cred = c
		if tokenRotated {
			existing.consecutiveFailures = 0
			existing.disabledUntil = time.Time{}
		}
		existing.mu.Unlock()
	}

	for id := range p.creds {
		if !seen[id] {
			delete(p.creds, id)
		}
	}
	return nil
}

// SyncIfChanged checks the store's fingerprint and reloads only if it
// changed since the last check. Returns whether a reload happened.
func (p *Pool) SyncIfChanged(ctx context.Context) (bool, error) {
	fp, err := p.store.Fingerprint(ctx)
	if err != nil {
		return false, kiroerr.Wrap(kiroerr.KindTransientUpstream, "failed to fingerprint credential store", err)
	}

	p.fingerprintMu.Lock()
	changed := fp != p.lastFP
	p.lastFP = fp
	p.fingerprintMu.Unlock()

	if !changed {
		return false, nil
	}
	return true, p.Reload(ctx)
}

// changeNotifier is implemented by stores that can push an immediate
// hot-reload signal instead of relying solely on polling (FileStore, via
// fsnotify). RunHotReload selects on it alongside the ticker when the
// configured store supports it.
type changeNotifier interface {
	Changed() <-chan struct{}
}

// RunHotReload polls SyncIfChanged every interval until ctx is done, and
// additionally reacts immediately to a push signal from the store if it
// implements changeNotifier. A non-positive interval disables hot-reload
// entirely, push notifications included (the caller simply never starts
// the loop).
func (p *Pool) RunHotReload(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	notifier, pushCapable := p.store.(changeNotifier)

	for {
		var changedC <-chan struct{}
		if pushCapable {
			changedC = notifier.Changed()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.SyncIfChanged(ctx)
		case <-changedC:
			_, _ = p.SyncIfChanged(ctx)
		}
	}
}

// Candidates returns the ids of non-disabled credentials in selection
// order: ascending priority, ties broken by ascending id, with the
// starting position within each priority tier rotated round-robin across
// calls so load spreads across same-priority credentials over time.
func (p *Pool) Candidates() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	tiers := make(map[int][]string)
	for id, e := range p.creds {
		e.mu.Lock()
		disabled := e.disabledUntil.After(now)
		priority := e.cred.Priority
		e.mu.Unlock()
		if disabled {
			continue
		}
		tiers[priority] = append(tiers[priority], id)
	}

	priorities := make([]int, 0, len(tiers))
	for pr := range tiers {
		priorities = append(priorities, pr)
	}
	sort.Ints(priorities)

	result := make([]string, 0, len(p.creds))
	for _, pr := range priorities {
		ids := tiers[pr]
		sort.Strings(ids)
		cursor := p.tierCursors[pr] % len(ids)
		rotated := append(append([]string{}, ids[cursor:]...), ids[:cursor]...)
		result = append(result, rotated...)
		p.tierCursors[pr] = (p.tierCursors[pr] + 1) % len(ids)
	}
	return result
}

// Acquire yields a Lease for id with a valid, non-expired access token,
// refreshing it first if necessary. Refresh is single-flight per
// credential: concurrent acquirers for the same id share one refresh
// call and receive the same result or error.
func (p *Pool) Acquire(ctx context.Context, id string) (*Lease, error) {
	p.mu.RLock()
	e, ok := p.creds[id]
	p.mu.RUnlock()
	if !ok {
		return nil, kiroerr.New(kiroerr.KindConfigError, "no such credential: "+id)
	}

	e.mu.Lock()
	needsRefresh := e.forceRefresh || e.cred.AccessToken == "" || p.now().Add(refreshSafetyMargin).After(e.cred.ExpiresAt)
	e.mu.Unlock()

	if needsRefresh {
		korelog.Credential(id).Debug("access token needs refresh")
		if err := p.refreshOne(ctx, id, e); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return &Lease{
		ID:           e.cred.ID,
		AccessToken:  e.cred.AccessToken,
		ProfileArn:   e.cred.ProfileArn,
		Region:       e.cred.Region,
		MachineID:    e.cred.MachineID,
		AuthMethod:   e.cred.AuthMethod,
		ClientID:     e.cred.ClientID,
		ClientSecret: e.cred.ClientSecret,
	}, nil
}

func (p *Pool) refreshOne(ctx context.Context, id string, e *entry) error {
	v, err, _ := p.sf.Do(id, func() (interface{}, error) {
		e.mu.Lock()
		req := refresher.Request{
			AuthMethod:   refresher.AuthMethod(e.cred.AuthMethod),
			RefreshToken: e.cred.RefreshToken,
			ClientID:     e.cred.ClientID,
			ClientSecret: e.cred.ClientSecret,
			Region:       e.cred.Region,
		}
		e.mu.Unlock()

		result, refreshErr := p.refresh(ctx, req)
		if refreshErr != nil {
			return nil, refreshErr
		}

		patch := credstore.Patch{
			AccessToken: result.AccessToken,
			ExpiresAt:   result.ExpiresAt,
		}
		if result.ProfileArn != "" {
			patch.ProfileArn = &result.ProfileArn
		}
		if result.RotatedRefreshToken != "" {
			patch.RotatedRefreshToken = &result.RotatedRefreshToken
		}
		if err := p.store.Update(ctx, id, patch); err != nil {
			return nil, kiroerr.Wrap(kiroerr.KindTransientUpstream, "failed to persist refreshed token", err)
		}

		e.mu.Lock()
		e.cred.AccessToken = result.AccessToken
		e.cred.ExpiresAt = result.ExpiresAt
		if result.ProfileArn != "" {
			e.cred.ProfileArn = result.ProfileArn
		}
		if result.RotatedRefreshToken != "" {
			e.cred.RefreshToken = result.RotatedRefreshToken
		}
		e.forceRefresh = false
		e.mu.Unlock()

		return result, nil
	})
	if err != nil {
		return err
	}
	_ = v
	return nil
}

// Report applies failure accounting for one upstream attempt against id.
// Non-success increments consecutiveFailures and, at the disable
// threshold, sets disabledUntil per the geometric backoff schedule.
// Success resets the counter. AuthInvalid additionally forces a refresh
// on the credential's next acquire, even if not yet expired — and if the
// credential had already been flagged that way (its forced refresh is
// what just failed, with the same auth-invalid class), it is disabled
// immediately rather than waiting for consecutiveFailures to reach the
// generic threshold, per spec.md §4.4/§7/§8 scenario 4.
func (p *Pool) Report(id string, outcome Outcome) {
	p.mu.RLock()
	e, ok := p.creds[id]
	p.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if outcome == OutcomeSuccess {
		e.consecutiveFailures = 0
		e.disabledUntil = time.Time{}
		e.forceRefresh = false
		return
	}

	alreadyForcedRefresh := e.forceRefresh
	e.consecutiveFailures++

	switch {
	case outcome == OutcomeAuthInvalid && alreadyForcedRefresh:
		e.disabledUntil = p.now().Add(backoffCap)
		korelog.Outcome(korelog.Credential(id), outcome.String()).Warnf("credential disabled immediately: forced refresh failed auth, disabled until %s", e.disabledUntil)
	case e.consecutiveFailures >= disableThreshold:
		e.disabledUntil = p.now().Add(backoffFor(e.consecutiveFailures))
		korelog.Outcome(korelog.Credential(id), outcome.String()).Warnf("credential disabled until %s", e.disabledUntil)
	}

	if outcome == OutcomeAuthInvalid {
		e.forceRefresh = true
	}
}
