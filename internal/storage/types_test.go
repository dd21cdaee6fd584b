package storage

import (
	"encoding/json"
	"testing"
)

func TestAppendVersionKeepsNewest(t *testing.T) {
	var s Subscription
	for _, v := range []string{"1", "2", "3", "4", "5", "6"} {
		s.AppendVersion(v)
	}
	if len(s.VersionHistory) != MaxVersionHistory {
		t.Fatalf("len = %d, want %d", len(s.VersionHistory), MaxVersionHistory)
	}
	if s.VersionHistory[0] != "2" || s.LatestVersion() != "6" {
		t.Fatalf("history = %v", s.VersionHistory)
	}
	if s.HasVersion("1") {
		t.Fatalf("oldest version should have been dropped")
	}
}

func TestRecipientsStaySorted(t *testing.T) {
	var s Subscription
	for _, id := range []int64{5, -3, 9, 5, 0} {
		s.AddRecipient(id)
	}
	if want := []int64{-3, 0, 5, 9}; !equalInts(s.Recipients, want) {
		t.Fatalf("recipients = %v, want %v", s.Recipients, want)
	}
	if s.AddRecipient(9) {
		t.Fatalf("AddRecipient of existing id reported a change")
	}
	if !s.RemoveRecipient(0) || s.RemoveRecipient(0) {
		t.Fatalf("RemoveRecipient should report the first removal only")
	}
	if !s.HasRecipient(-3) || s.HasRecipient(0) {
		t.Fatalf("HasRecipient mismatch for %v", s.Recipients)
	}
}

func TestSubscriptionDecodesLegacyVersion(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{name: "scalar", doc: `{"_id":"a","bundle_id":"com.x","version":"1.2"}`, want: []string{"1.2"}},
		{name: "list", doc: `{"_id":"a","bundle_id":"com.x","version":["1.0","1.1"]}`, want: []string{"1.0", "1.1"}},
		{name: "null", doc: `{"_id":"a","bundle_id":"com.x","version":null}`, want: nil},
		{name: "missing", doc: `{"_id":"a","bundle_id":"com.x"}`, want: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var s Subscription
			if err := json.Unmarshal([]byte(tt.doc), &s); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !equalStrings(s.VersionHistory, tt.want) {
				t.Fatalf("history = %v, want %v", s.VersionHistory, tt.want)
			}
			if s.ItemIdentifier != "com.x" || s.ID != "a" {
				t.Fatalf("fields not decoded: %+v", s)
			}
		})
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	s := Subscription{VersionHistory: []string{"1"}, Recipients: []int64{1}}
	cp := s.Clone()
	cp.VersionHistory[0] = "x"
	cp.Recipients[0] = 42
	if s.VersionHistory[0] != "1" || s.Recipients[0] != 1 {
		t.Fatalf("clone shares backing arrays with original")
	}
}

func TestNextRevisionIncrementsGeneration(t *testing.T) {
	r1 := nextRevision("")
	r2 := nextRevision(r1)
	if r1[:2] != "1-" || r2[:2] != "2-" {
		t.Fatalf("revisions = %q, %q", r1, r2)
	}
	if len(r1) != len("1-")+12 {
		t.Fatalf("revision suffix length = %d", len(r1)-2)
	}
}
