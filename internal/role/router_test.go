package role

import (
	"testing"

	"github.com/kuuji/callwire/pkg/callproto"
)

func TestResolve_Parent(t *testing.T) {
	t.Parallel()

	rt, ok := Resolve(Parent)
	if !ok {
		t.Fatal("Resolve(Parent) ok = false, want true")
	}
	if rt.LocalIDField != FieldParentID {
		t.Errorf("LocalIDField = %q, want %q", rt.LocalIDField, FieldParentID)
	}
	if rt.RemoteIDField != FieldChildID {
		t.Errorf("RemoteIDField = %q, want %q", rt.RemoteIDField, FieldChildID)
	}
	if rt.LocalICEField != FieldParentICE {
		t.Errorf("LocalICEField = %q, want %q", rt.LocalICEField, FieldParentICE)
	}
	if rt.RemoteICEField != FieldChildICE {
		t.Errorf("RemoteICEField = %q, want %q", rt.RemoteICEField, FieldChildICE)
	}
	if rt.RecipientTypeFilter != Parent {
		t.Errorf("RecipientTypeFilter = %q, want %q", rt.RecipientTypeFilter, Parent)
	}
}

func TestResolve_FamilyMember_SharesParentICEField(t *testing.T) {
	t.Parallel()

	rt, ok := Resolve(FamilyMember)
	if !ok {
		t.Fatal("Resolve(FamilyMember) ok = false, want true")
	}
	if rt.LocalIDField != FieldFamilyMemberID {
		t.Errorf("LocalIDField = %q, want %q", rt.LocalIDField, FieldFamilyMemberID)
	}
	// Load-bearing asymmetry: family members write ICE to the parent field,
	// not a dedicated one.
	if rt.LocalICEField != FieldParentICE {
		t.Errorf("LocalICEField = %q, want %q (family members share the parent ICE column)", rt.LocalICEField, FieldParentICE)
	}
	if rt.RemoteICEField != FieldChildICE {
		t.Errorf("RemoteICEField = %q, want %q", rt.RemoteICEField, FieldChildICE)
	}
}

func TestResolve_Child(t *testing.T) {
	t.Parallel()

	rt, ok := Resolve(Child)
	if !ok {
		t.Fatal("Resolve(Child) ok = false, want true")
	}
	if rt.LocalIDField != FieldChildID {
		t.Errorf("LocalIDField = %q, want %q", rt.LocalIDField, FieldChildID)
	}
	if rt.RemoteIDField != "" {
		t.Errorf("RemoteIDField = %q, want empty (child's peer id is ambiguous, resolved via PeerID)", rt.RemoteIDField)
	}
	if rt.LocalICEField != FieldChildICE {
		t.Errorf("LocalICEField = %q, want %q", rt.LocalICEField, FieldChildICE)
	}
	// Child always reads the parent field for the adult side, whether the
	// adult is a parent or a family member.
	if rt.RemoteICEField != FieldParentICE {
		t.Errorf("RemoteICEField = %q, want %q", rt.RemoteICEField, FieldParentICE)
	}
}

func TestResolve_UnknownRole(t *testing.T) {
	t.Parallel()

	if _, ok := Resolve(callproto.Role("grandparent")); ok {
		t.Error("Resolve(unknown role) ok = true, want false")
	}
}

func TestPeerID(t *testing.T) {
	t.Parallel()

	parentID := "parent-1"
	familyID := "family-1"

	tests := []struct {
		name   string
		row    callproto.Call
		wantID string
		wantOK bool
	}{
		{
			name:   "parent set",
			row:    callproto.Call{ParentID: &parentID},
			wantID: "parent-1",
			wantOK: true,
		},
		{
			name:   "family member set, no parent",
			row:    callproto.Call{FamilyMemberID: &familyID},
			wantID: "family-1",
			wantOK: true,
		},
		{
			name:   "parent preferred over family member when both set",
			row:    callproto.Call{ParentID: &parentID, FamilyMemberID: &familyID},
			wantID: "parent-1",
			wantOK: true,
		},
		{
			name:   "neither set",
			row:    callproto.Call{},
			wantID: "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			id, ok := PeerID(tt.row)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("PeerID() = (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestWithFamilyMemberParent(t *testing.T) {
	t.Parallel()

	if got := WithFamilyMemberParent(""); got != nil {
		t.Errorf("WithFamilyMemberParent(\"\") = %v, want nil", got)
	}

	got := WithFamilyMemberParent("parent-9")
	if got == nil || *got != "parent-9" {
		t.Errorf("WithFamilyMemberParent(\"parent-9\") = %v, want pointer to \"parent-9\"", got)
	}
}
