// Package role implements the Role Router (§4.A): given an endpoint's role,
// it resolves which Call row fields that endpoint reads and writes, so that
// every other component takes a Route, not a raw Role, as input.
package role

import "github.com/kuuji/callwire/pkg/callproto"

// Field identifies one of the Call row's id or ICE-candidate-array columns.
type Field string

const (
	FieldParentID       Field = "parent_id"
	FieldChildID        Field = "child_id"
	FieldFamilyMemberID Field = "family_member_id"

	FieldParentICE Field = "parent_ice_candidates"
	FieldChildICE  Field = "child_ice_candidates"
)

// Route is the routing record for one role: which fields belong to "this
// endpoint" (local) and which belong to the peer (remote), plus the
// recipient_type value used to filter subscribe_inserts.
//
// RemoteIDField is unset for the child role, since a child's peer id field
// depends on who the caller was (parent_id OR family_member_id) — callers
// resolve that from the row itself (CanonicalParentID) rather than a
// static field name.
type Route struct {
	Role Role

	LocalIDField  Field
	RemoteIDField Field

	LocalICEField  Field
	RemoteICEField Field

	RecipientTypeFilter callproto.Role
}

// Role re-exports callproto.Role so callers of this package don't need a
// second import for the same concept.
type Role = callproto.Role

const (
	Parent       = callproto.RoleParent
	Child        = callproto.RoleChild
	FamilyMember = callproto.RoleFamilyMember
)

// Resolve returns the routing record for r, per the table in §4.A.
//
// The key rule, and the one load-bearing asymmetry in this table: a family
// member's local ICE field is parent_ice_candidates, the same field a
// parent writes to — there is no dedicated family-member ICE column. A
// child therefore always reads parent_ice_candidates for the adult side of
// the call, regardless of whether that adult is the parent or a family
// member. Do not "fix" this into a separate field; it is intentional.
func Resolve(r Role) (Route, bool) {
	switch r {
	case Parent:
		return Route{
			Role:                Parent,
			LocalIDField:        FieldParentID,
			RemoteIDField:       FieldChildID,
			LocalICEField:       FieldParentICE,
			RemoteICEField:      FieldChildICE,
			RecipientTypeFilter: Parent,
		}, true
	case FamilyMember:
		return Route{
			Role:                FamilyMember,
			LocalIDField:        FieldFamilyMemberID,
			RemoteIDField:       FieldChildID,
			LocalICEField:       FieldParentICE,
			RemoteICEField:      FieldChildICE,
			RecipientTypeFilter: FamilyMember,
		}, true
	case Child:
		return Route{
			Role:                Child,
			LocalIDField:        FieldChildID,
			LocalICEField:       FieldChildICE,
			RemoteICEField:      FieldParentICE,
			RecipientTypeFilter: Child,
		}, true
	default:
		return Route{}, false
	}
}

// PeerID returns the id of the adult on the other end of row from the
// child's perspective: parent_id if set, otherwise family_member_id. It is
// only meaningful when the caller's role is Child; callers resolve the peer id for
// the other two roles directly from their RemoteIDField.
func PeerID(row callproto.Call) (string, bool) {
	if row.ParentID != nil && *row.ParentID != "" {
		return *row.ParentID, true
	}
	if row.FamilyMemberID != nil && *row.FamilyMemberID != "" {
		return *row.FamilyMemberID, true
	}
	return "", false
}

// WithFamilyMemberParent resolves the authorization-context parent_id a
// family-member-initiated call's row must also carry (§4.A: "the handler
// also resolves the child's parent and writes that parent's id into
// parent_id on the row for authorization context, without making them a
// participant"). The lookup itself is the caller's responsibility (it
// requires a family graph query outside this package's scope); this helper
// only names the rule so call sites don't have to restate it.
func WithFamilyMemberParent(parentID string) *string {
	if parentID == "" {
		return nil
	}
	return &parentID
}
