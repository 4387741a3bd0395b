package orchestrator

import (
	"net/http"

	"github.com/kirobridge/kirobridge/internal/credpool"
	"github.com/kirobridge/kirobridge/internal/kiroerr"
)

// classifyStatus maps an upstream HTTP status code to the per-attempt
// outcome classes spec.md §4.6/§7 define. The retry-vs-terminal decision
// itself is not re-derived here: a non-2xx status is built into a
// kiroerr.Error of the matching kind and its Retryable() is what decides
// between OutcomeUpstreamRejected and a retryable outcome, so the
// classification and the propagation rule in spec.md §7 stay in one place.
func classifyStatus(status int) credpool.Outcome {
	if status >= 200 && status < 300 {
		return credpool.OutcomeSuccess
	}

	kind := kiroerr.KindUpstreamRejected
	switch {
	case status == http.StatusUnauthorized:
		kind = kiroerr.KindAuthInvalid
	case status == http.StatusTooManyRequests || status >= 500:
		kind = kiroerr.KindTransientUpstream
	}

	err := kiroerr.WithStatus(kind, "", status)
	if !err.Retryable() {
		return credpool.OutcomeUpstreamRejected
	}
	if kind == kiroerr.KindAuthInvalid {
		return credpool.OutcomeAuthInvalid
	}
	return credpool.OutcomeTransient
}
