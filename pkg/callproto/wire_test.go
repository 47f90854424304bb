package callproto

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     Message
		wantTyp string
	}{
		{
			name:    "subscribe_inserts",
			msg:     &SubscribeInsertsMessage{Role: RoleChild, ProfileID: "child-42"},
			wantTyp: "subscribe_inserts",
		},
		{
			name:    "subscribe_call",
			msg:     &SubscribeCallMessage{CallID: "call-1"},
			wantTyp: "subscribe_call",
		},
		{
			name:    "unsubscribe_call",
			msg:     &UnsubscribeCallMessage{CallID: "call-1"},
			wantTyp: "unsubscribe_call",
		},
		{
			name:    "subscribed",
			msg:     &SubscribedMessage{CallID: "call-1"},
			wantTyp: "subscribed",
		},
		{
			name: "insert",
			msg: &InsertEventMessage{Row: Call{
				ID:            "call-1",
				CallerType:    RoleParent,
				RecipientType: RoleChild,
				Status:        StatusRinging,
			}},
			wantTyp: "insert",
		},
		{
			name: "update",
			msg: &UpdateEventMessage{
				CallID: "call-1",
				Changed: map[string]json.RawMessage{
					"status": json.RawMessage(`"active"`),
				},
			},
			wantTyp: "update",
		},
		{
			name:    "error",
			msg:     &ErrorMessage{Error: "invalid filter"},
			wantTyp: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() error: %v", err)
			}

			var raw map[string]json.RawMessage
			if err := json.Unmarshal(data, &raw); err != nil {
				t.Fatalf("unmarshaling raw JSON: %v", err)
			}
			typeVal, ok := raw["type"]
			if !ok {
				t.Fatal("marshaled JSON missing \"type\" field")
			}
			var gotType string
			if err := json.Unmarshal(typeVal, &gotType); err != nil {
				t.Fatalf("decoding type field: %v", err)
			}
			if gotType != tt.wantTyp {
				t.Errorf("type = %q, want %q", gotType, tt.wantTyp)
			}

			got, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal() error: %v", err)
			}

			gotData, err := Marshal(got)
			if err != nil {
				t.Fatalf("re-marshaling: %v", err)
			}

			var origMap, gotMap map[string]any
			if err := json.Unmarshal(data, &origMap); err != nil {
				t.Fatalf("decoding original: %v", err)
			}
			if err := json.Unmarshal(gotData, &gotMap); err != nil {
				t.Fatalf("decoding round-tripped: %v", err)
			}

			origJSON, _ := json.Marshal(origMap)
			gotJSON, _ := json.Marshal(gotMap)
			if string(origJSON) != string(gotJSON) {
				t.Errorf("round-trip mismatch:\n  original:      %s\n  round-tripped: %s", origJSON, gotJSON)
			}
		})
	}
}

func TestUnmarshal_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{"type":"unknown-type","foo":"bar"}`))
	if err == nil {
		t.Fatal("expected error for unknown message type, got nil")
	}
	if !strings.Contains(err.Error(), "unknown message type") {
		t.Errorf("error = %q, want it to contain \"unknown message type\"", err.Error())
	}
}

func TestUnmarshal_MalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestUpdateEventMessage_Accessors(t *testing.T) {
	t.Parallel()

	msg := UpdateEventMessage{
		CallID: "call-1",
		Changed: map[string]json.RawMessage{
			"status": json.RawMessage(`"active"`),
		},
	}

	if !msg.Has("status") {
		t.Error("Has(\"status\") = false, want true")
	}
	if msg.Has("answer") {
		t.Error("Has(\"answer\") = true, want false (column omitted from partial payload)")
	}

	status, ok := msg.Status()
	if !ok || status != StatusActive {
		t.Errorf("Status() = (%q, %v), want (active, true)", status, ok)
	}

	if _, ok := msg.Answer(); ok {
		t.Error("Answer() ok = true, want false when column is absent")
	}
}

func TestStatus_CanonicalAndTerminal(t *testing.T) {
	t.Parallel()

	if got := Status("in_call").Canonical(); got != StatusActive {
		t.Errorf("Canonical(in_call) = %q, want %q", got, StatusActive)
	}
	if got := StatusActive.Canonical(); got != StatusActive {
		t.Errorf("Canonical(active) = %q, want %q", got, StatusActive)
	}

	for _, s := range []Status{StatusEnded, StatusRejected, StatusMissed, "in_call_ended_alias_is_not_real"} {
		_ = s
	}
	if !StatusEnded.Terminal() {
		t.Error("StatusEnded.Terminal() = false, want true")
	}
	if !StatusRejected.Terminal() {
		t.Error("StatusRejected.Terminal() = false, want true")
	}
	if !StatusMissed.Terminal() {
		t.Error("StatusMissed.Terminal() = false, want true")
	}
	if StatusRinging.Terminal() {
		t.Error("StatusRinging.Terminal() = true, want false")
	}
	if StatusActive.Terminal() {
		t.Error("StatusActive.Terminal() = true, want false")
	}
}

func TestICECandidate_DedupeKeyAndEndMarker(t *testing.T) {
	t.Parallel()

	idx := uint16(0)
	mid := "0"
	c1 := ICECandidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", SDPMLineIndex: &idx, SDPMid: &mid}
	c2 := ICECandidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", SDPMLineIndex: &idx, SDPMid: &mid}
	if c1.DedupeKey() != c2.DedupeKey() {
		t.Errorf("identical candidates produced different dedupe keys: %q vs %q", c1.DedupeKey(), c2.DedupeKey())
	}

	idx2 := uint16(1)
	c3 := ICECandidate{Candidate: c1.Candidate, SDPMLineIndex: &idx2, SDPMid: &mid}
	if c1.DedupeKey() == c3.DedupeKey() {
		t.Error("candidates differing only in sdpMLineIndex produced the same dedupe key")
	}

	end := ICECandidate{}
	if !end.IsEndOfCandidates() {
		t.Error("zero-value ICECandidate should be the end-of-candidates marker")
	}
	empty := ICECandidate{Candidate: ""}
	if !empty.IsEndOfCandidates() {
		t.Error("empty candidate with no indices should be the end-of-candidates marker")
	}
}
