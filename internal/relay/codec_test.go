package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Shugur-Network/relayfetch/internal/testutil"
	nostr "github.com/nbd-wtf/go-nostr"
)

func TestParseFrame(t *testing.T) {
	s := testutil.NewSigner(t)
	evt := s.Event(t, 1, 100, "hi")
	evtJSON, _ := json.Marshal(evt)

	f, err := parseFrame([]byte(`["EVENT","sub1",` + string(evtJSON) + `]`))
	if err != nil || f.kind != frameEvent || f.subID != "sub1" || f.event.ID != evt.ID {
		t.Fatalf("EVENT: %+v %v", f, err)
	}

	f, err = parseFrame([]byte(`["EOSE","sub1"]`))
	if err != nil || f.kind != frameEOSE || f.subID != "sub1" {
		t.Fatalf("EOSE: %+v %v", f, err)
	}

	f, err = parseFrame([]byte(`["CLOSED","sub1","error: shutting down"]`))
	if err != nil || f.kind != frameClosed || f.message != "error: shutting down" {
		t.Fatalf("CLOSED: %+v %v", f, err)
	}

	f, err = parseFrame([]byte(`["NOTICE","hello"]`))
	if err != nil || f.kind != frameNotice || f.message != "hello" {
		t.Fatalf("NOTICE: %+v %v", f, err)
	}

	for _, ignored := range []string{`["OK","abc",true,""]`, `["AUTH","challenge"]`, `["COUNT","s",{"count":3}]`, `["WHATEVER"]`} {
		f, err := parseFrame([]byte(ignored))
		if err != nil || f.kind != frameIgnored {
			t.Errorf("%s: %+v %v", ignored, f, err)
		}
	}
}

func TestParseFrameMalformed(t *testing.T) {
	for _, bad := range []string{
		`not json`,
		`{}`,
		`[]`,
		`[1,"x"]`,
		`["EVENT","sub1"]`,
		`["EVENT",1,{}]`,
		`["EVENT","sub1","string"]`,
		`["EOSE"]`,
		`["EOSE","a","b"]`,
		`["CLOSED","sub1"]`,
		`["CLOSED","sub1",5]`,
		`["NOTICE",42]`,
	} {
		if _, err := parseFrame([]byte(bad)); !errors.Is(err, errMalformed) {
			t.Errorf("%s: got %v, want errMalformed", bad, err)
		}
	}
}

func TestEncodeReq(t *testing.T) {
	until := nostr.Timestamp(500)
	data, err := encodeReq("s1", []nostr.Filter{{Kinds: []int{1}, Until: &until, Limit: 10}, {Authors: []string{"ab"}}})
	if err != nil {
		t.Fatal(err)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		t.Fatal(err)
	}
	if len(parts) != 4 || string(parts[0]) != `"REQ"` || string(parts[1]) != `"s1"` {
		t.Fatalf("unexpected REQ %s", data)
	}
	var f nostr.Filter
	if err := json.Unmarshal(parts[2], &f); err != nil {
		t.Fatal(err)
	}
	if f.Until == nil || *f.Until != 500 || f.Limit != 10 {
		t.Fatalf("filter round trip lost fields: %s", parts[2])
	}
}

func TestNoticeClassifier(t *testing.T) {
	c := DefaultNoticeClassifier()
	relevant := []string{
		"ERROR: too many concurrent REQs",
		"Maximum number of subscriptions reached",
		"rate-limited: slow down",
		"you are being rate limited",
		"invalid filter",
		"error: bad req: uneven size input to from_hex",
		"could not parse command",
		"blocked: you are banned",
	}
	for _, msg := range relevant {
		if !c.Relevant(msg) {
			t.Errorf("%q should be relevant", msg)
		}
	}
	for _, msg := range []string{"Welcome to the relay!", "this relay is paid, see https://example.com", ""} {
		if c.Relevant(msg) {
			t.Errorf("%q should be ignored", msg)
		}
	}

	if _, err := NewNoticeClassifier([]string{"("}); err == nil {
		t.Fatal("invalid pattern accepted")
	}
	var nilClassifier *NoticeClassifier
	if nilClassifier.Relevant("too many subscriptions") {
		t.Fatal("nil classifier must ignore everything")
	}
}
