package event

import (
	"errors"
	"testing"

	"github.com/Shugur-Network/relayfetch/internal/testutil"
	nostr "github.com/nbd-wtf/go-nostr"
)

func TestVerify(t *testing.T) {
	s := testutil.NewSigner(t)
	good := s.Event(t, 1, 1700000000, "hello", nostr.Tag{"t", "go"})

	if err := Verify(good); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	if err := Verify(testutil.Corrupt(good)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("corrupted signature: got %v, want ErrInvalidSignature", err)
	}

	tampered := *good
	tampered.Content = "bye"
	if err := Verify(&tampered); !errors.Is(err, ErrIDMismatch) {
		t.Fatalf("tampered content: got %v, want ErrIDMismatch", err)
	}
}

func TestValidateShape(t *testing.T) {
	s := testutil.NewSigner(t)
	base := s.Event(t, 1, 1700000000, "x")

	cases := map[string]func(e *nostr.Event){
		"short id":       func(e *nostr.Event) { e.ID = e.ID[:10] },
		"upper pubkey":   func(e *nostr.Event) { e.PubKey = "AB" + e.PubKey[2:] },
		"short sig":      func(e *nostr.Event) { e.Sig = e.Sig[:100] },
		"non-hex sig":    func(e *nostr.Event) { e.Sig = "zz" + e.Sig[2:] },
		"negative kind":  func(e *nostr.Event) { e.Kind = -1 },
		"empty tag":      func(e *nostr.Event) { e.Tags = nostr.Tags{{}} },
		"negative stamp": func(e *nostr.Event) { e.CreatedAt = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := *base
			mutate(&e)
			if err := ValidateShape(&e); !errors.Is(err, ErrInvalidShape) {
				t.Fatalf("got %v, want ErrInvalidShape", err)
			}
		})
	}

	if err := ValidateShape(base); err != nil {
		t.Fatalf("valid shape rejected: %v", err)
	}
}

func TestMatchFilter(t *testing.T) {
	s := testutil.NewSigner(t)
	other := testutil.NewSigner(t)
	evt := s.Event(t, 7, 1000, "+", nostr.Tag{"e", "abc"}, nostr.Tag{"p", "def"})

	ts := func(v int64) *nostr.Timestamp { x := nostr.Timestamp(v); return &x }

	tests := []struct {
		name   string
		filter nostr.Filter
		want   bool
	}{
		{"empty filter", nostr.Filter{}, true},
		{"id match", nostr.Filter{IDs: []string{evt.ID}}, true},
		{"id miss", nostr.Filter{IDs: []string{other.PubKey}}, false},
		{"author match", nostr.Filter{Authors: []string{other.PubKey, s.PubKey}}, true},
		{"author miss", nostr.Filter{Authors: []string{other.PubKey}}, false},
		{"kind match", nostr.Filter{Kinds: []int{1, 7}}, true},
		{"kind miss", nostr.Filter{Kinds: []int{1}}, false},
		{"since inclusive", nostr.Filter{Since: ts(1000)}, true},
		{"since after", nostr.Filter{Since: ts(1001)}, false},
		{"until inclusive", nostr.Filter{Until: ts(1000)}, true},
		{"until before", nostr.Filter{Until: ts(999)}, false},
		{"tag match", nostr.Filter{Tags: nostr.TagMap{"e": {"zzz", "abc"}}}, true},
		{"tag value miss", nostr.Filter{Tags: nostr.TagMap{"e": {"def"}}}, false},
		{"tag name miss", nostr.Filter{Tags: nostr.TagMap{"q": {"abc"}}}, false},
		{"both tags", nostr.Filter{Tags: nostr.TagMap{"e": {"abc"}, "p": {"def"}}}, true},
		{"search ignored", nostr.Filter{Search: "nothing like it"}, true},
		{"empty tag list is no constraint", nostr.Filter{Tags: nostr.TagMap{"q": {}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchFilter(evt, tt.filter); got != tt.want {
				t.Fatalf("MatchFilter = %v, want %v", got, tt.want)
			}
		})
	}

	if !MatchFilters(evt, []nostr.Filter{{Kinds: []int{1}}, {Kinds: []int{7}}}) {
		t.Fatal("filters are disjunctive")
	}
	if MatchFilters(evt, nil) {
		t.Fatal("no filters matches nothing")
	}
}

func TestSortDescending(t *testing.T) {
	s := testutil.NewSigner(t)
	events := []*nostr.Event{
		s.Event(t, 1, 10, "a"),
		s.Event(t, 1, 30, "b"),
		s.Event(t, 1, 20, "c"),
		s.Event(t, 1, 30, "d"),
	}
	SortDescending(events)
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if prev.CreatedAt < cur.CreatedAt {
			t.Fatalf("not descending at %d", i)
		}
		if prev.CreatedAt == cur.CreatedAt && prev.ID > cur.ID {
			t.Fatalf("tie not broken by id at %d", i)
		}
	}
}
