// Package korelog builds the structured logrus fields credpool and
// orchestrator attach to their log lines, so a credential id or attempt
// count is always a field rather than interpolated into the message.
package korelog

import log "github.com/sirupsen/logrus"

// Credential returns a *log.Entry tagged with the credential id, mirroring
// sdk/cliproxy/auth.logEntryWithRequestID's request_id entry.
func Credential(id string) *log.Entry {
	return log.WithField("credential_id", id)
}

// Attempt tags a log entry with the per-credential and per-request attempt
// counters the Orchestrator's retry loop tracks.
func Attempt(entry *log.Entry, perCredential, total int) *log.Entry {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return entry.WithFields(log.Fields{
		"attempt_per_credential": perCredential,
		"attempt_total":          total,
	})
}

// Outcome tags a log entry with the classified result of one upstream
// attempt (success, transient, auth_invalid, upstream_rejected).
func Outcome(entry *log.Entry, outcome string) *log.Entry {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return entry.WithField("outcome", outcome)
}
