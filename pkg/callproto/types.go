// Package callproto defines the wire schema shared by every endpoint and the
// realtime relay: the Call row (§3 of the call-engine design), the
// session-description and ICE-candidate shapes it carries, and the partial
// patch representation used for row updates and realtime UPDATE payloads.
//
// The package is intentionally free of storage and transport dependencies so
// it can be imported by the relay server, the Postgres-backed gateway, and
// the client engine alike.
package callproto

import (
	"strconv"
	"time"
)

// Role identifies which kind of participant an endpoint is acting as.
type Role string

const (
	RoleParent       Role = "parent"
	RoleChild        Role = "child"
	RoleFamilyMember Role = "family_member"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleParent, RoleChild, RoleFamilyMember:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a Call row.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
	StatusMissed   Status = "missed"

	// statusInCallLegacy is accepted on read as a synonym for StatusActive
	// (§6: "status values in_call and active MUST be treated as synonymous").
	// StatusActive is the canonical value this package writes.
	statusInCallLegacy Status = "in_call"
)

// Canonical normalizes legacy status spellings to the value this package
// writes on every insert/update. Callers should run row statuses read from
// storage through this before comparing against the Status* constants.
func (s Status) Canonical() Status {
	if s == statusInCallLegacy {
		return StatusActive
	}
	return s
}

// Terminal reports whether s (after canonicalization) is a terminal status.
// Terminal status is monotonic: once reached, a Call row is frozen (§3, §8).
func (s Status) Terminal() bool {
	switch s.Canonical() {
	case StatusEnded, StatusRejected, StatusMissed:
		return true
	default:
		return false
	}
}

// SDPType mirrors the WebRTC session-description type discriminator.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is a WebRTC offer or answer as stored on the Call row.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is a single trickle ICE candidate as stored in one of the
// Call row's append-only candidate arrays.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

// DedupeKey returns the stringified (candidate, sdpMLineIndex, sdpMid) triple
// used to deduplicate candidates (§4.C): "${candidate}-${mlineindex}-${mid}".
func (c ICECandidate) DedupeKey() string {
	var mline string
	if c.SDPMLineIndex != nil {
		mline = strconv.Itoa(int(*c.SDPMLineIndex))
	}
	var mid string
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	return c.Candidate + "-" + mline + "-" + mid
}

// IsEndOfCandidates reports whether c is the end-of-candidates marker: an
// empty candidate string carrying no mline index or mid. The marker must be
// passed through to the RTC layer explicitly rather than appended to a row
// (§4.C, §9 open question 5).
func (c ICECandidate) IsEndOfCandidates() bool {
	return c.Candidate == "" && c.SDPMLineIndex == nil && c.SDPMid == nil
}

// Call is one shared row representing a single call, replicated to both
// endpoints via realtime events (§3).
type Call struct {
	ID string `json:"id"`

	CallerType    Role `json:"caller_type"`
	RecipientType Role `json:"recipient_type"`

	ParentID       *string `json:"parent_id,omitempty"`
	ChildID        *string `json:"child_id,omitempty"`
	FamilyMemberID *string `json:"family_member_id,omitempty"`

	Status Status `json:"status"`

	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`

	ParentICECandidates []ICECandidate `json:"parent_ice_candidates,omitempty"`
	ChildICECandidates  []ICECandidate `json:"child_ice_candidates,omitempty"`

	EndedAt *time.Time `json:"ended_at,omitempty"`
	EndedBy *Role      `json:"ended_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CanonicalStatus returns c.Status with legacy spellings normalized.
func (c *Call) CanonicalStatus() Status {
	return c.Status.Canonical()
}

// Patch is a partial update to a Call row. Every field is a pointer (or,
// for the append-only ICE arrays, a plain slice of *new* candidates to
// append) so that zero-value vs. absent is distinguishable: nil means "do
// not touch this column," exactly as realtime UPDATE payloads only carry
// changed columns (§4.B, §4.E).
type Patch struct {
	Status *Status `json:"status,omitempty"`

	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`

	// AppendParentICE / AppendChildICE append to the respective array
	// columns; they are never a full replacement (§3 invariant: ICE fields
	// are write-append-only from the owning side).
	AppendParentICE []ICECandidate `json:"append_parent_ice_candidates,omitempty"`
	AppendChildICE  []ICECandidate `json:"append_child_ice_candidates,omitempty"`

	ParentID *string `json:"parent_id,omitempty"`

	EndedAt *time.Time `json:"ended_at,omitempty"`
	EndedBy *Role      `json:"ended_by,omitempty"`

	// ClearEndedAt explicitly sets ended_at back to null. Used when a row
	// transitions ringing->active and a previous terminal write needs to be
	// undone is NOT a real path (§3: terminal status is monotonic) but the
	// accept handler (§4.I step 8) writes {answer, status:"active",
	// ended_at:null} defensively on the happy path, so the zero value must
	// be expressible.
	ClearEndedAt bool `json:"-"`
}
