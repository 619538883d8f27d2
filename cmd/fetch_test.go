package main

import (
	"reflect"
	"testing"
)

func TestParseKeys(t *testing.T) {
	fallback := []string{"wss://default.example.com"}
	got, err := parseKeys([]string{
		"alice",
		"bob=wss://a.example.com, wss://b.example.com",
		"bob=wss://c.example.com",
	}, fallback)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{
		"alice": fallback,
		"bob":   {"wss://a.example.com", "wss://b.example.com", "wss://c.example.com"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, err := parseKeys([]string{"=wss://a.example.com"}, fallback); err == nil {
		t.Fatal("empty key accepted")
	}
}

func TestParseFilters(t *testing.T) {
	filters, err := parseFilters(nil)
	if err != nil || len(filters) != 1 {
		t.Fatalf("no flags should give one empty filter, got %v %v", filters, err)
	}

	filters, err = parseFilters([]string{`{"kinds":[1],"limit":5}`, `{"#t":["go"]}`})
	if err != nil {
		t.Fatal(err)
	}
	if len(filters) != 2 || filters[0].Kinds[0] != 1 || filters[0].Limit != 5 || filters[1].Tags["t"][0] != "go" {
		t.Fatalf("unexpected filters %+v", filters)
	}

	if _, err := parseFilters([]string{`{"kinds":`}); err == nil {
		t.Fatal("malformed filter accepted")
	}
}

func TestTimestamp(t *testing.T) {
	if timestamp(0) != nil {
		t.Fatal("zero should mean unset")
	}
	if ts := timestamp(42); ts == nil || *ts != 42 {
		t.Fatalf("got %v", ts)
	}
}
