// Package ids generates the opaque typed identifiers used across the store
// and the event log. Each id is a short type prefix followed by a compact
// UUID so the entity kind is readable in logs and traces.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixTrace    = "trc_"
	PrefixSpan     = "spn_"
	PrefixEvent    = "evt_"
	PrefixThread   = "thr_"
	PrefixMessage  = "msg_"
	PrefixUser     = "usr_"
	PrefixChannel  = "chn_"
	PrefixSchedule = "sch_"
	PrefixDispatch = "dsp_"
	PrefixSession  = "ses_"
	PrefixApproval = "apr_"
	PrefixCapsule  = "cap_"
)

func compact() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New returns a fresh id with the given prefix.
func New(prefix string) string {
	return prefix + compact()
}

func NewTrace() string    { return New(PrefixTrace) }
func NewSpan() string     { return New(PrefixSpan) }
func NewEvent() string    { return New(PrefixEvent) }
func NewThread() string   { return New(PrefixThread) }
func NewMessage() string  { return New(PrefixMessage) }
func NewUser() string     { return New(PrefixUser) }
func NewChannel() string  { return New(PrefixChannel) }
func NewSchedule() string { return New(PrefixSchedule) }
func NewDispatch() string { return New(PrefixDispatch) }
func NewSession() string  { return New(PrefixSession) }
func NewApproval() string { return New(PrefixApproval) }
func NewCapsule() string  { return New(PrefixCapsule) }

// HasPrefix reports whether id carries the given type prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix)
}
