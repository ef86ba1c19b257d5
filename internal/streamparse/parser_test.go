package streamparse

import (
	"reflect"
	"testing"
)

func feedAll(t *testing.T, p *Parser, chunks ...string) []string {
	t.Helper()
	var got []string
	for _, c := range chunks {
		got = append(got, p.Feed([]byte(c))...)
	}
	return got
}

func TestParser_EmptyArray(t *testing.T) {
	p := New()
	got := feedAll(t, p, "[]")
	if len(got) != 0 {
		t.Fatalf("got %v, want none", got)
	}
	if !p.Done() {
		t.Fatal("expected parser to terminate")
	}
}

func TestParser_BasicParsing(t *testing.T) {
	p := New()
	got := feedAll(t, p, `["Hello","World"]`)
	want := []string{"Hello", "World"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParser_ChunkedAcrossBoundaries(t *testing.T) {
	p := New()
	got := feedAll(t, p, `["Bon`, `jour","Mon`, `de"]`)
	want := []string{"Bonjour", "Monde"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !p.Done() {
		t.Fatal("expected parser to terminate")
	}
}

func TestParser_SplitMidEscape(t *testing.T) {
	p := New()
	got := feedAll(t, p, `["a\`)
	if len(got) != 0 {
		t.Fatalf("expected no emission before the escape target arrives, got %v", got)
	}
	got = feedAll(t, p, `"b"]`)
	want := []string{"a\"b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParser_SplitAtAngleBracketLikeBoundary(t *testing.T) {
	p := New()
	// the opening bracket itself arrives split across chunks' framing
	got := feedAll(t, p, "[", `"only"`, "]")
	want := []string{"only"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParser_MultipleItemsOneFeed(t *testing.T) {
	p := New()
	got := feedAll(t, p, `["a","b","c"]`)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParser_WhitespaceBetweenTokens(t *testing.T) {
	p := New()
	got := feedAll(t, p, "[ \"a\" , \"b\" ]")
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParser_EscapedQuoteInsideString(t *testing.T) {
	p := New()
	got := feedAll(t, p, `["say \"hi\""]`)
	want := []string{`say "hi"`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParser_EmissionOrderMatchesUpstreamOrder(t *testing.T) {
	p := New()
	got := feedAll(t, p, `["1","2","3","4","5"]`)
	want := []string{"1", "2", "3", "4", "5"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParser_ByteAtATime(t *testing.T) {
	p := New()
	input := `["Hello","World"]`
	var got []string
	for i := 0; i < len(input); i++ {
		got = append(got, p.Feed([]byte{input[i]})...)
	}
	want := []string{"Hello", "World"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParser_NoArrayYet(t *testing.T) {
	p := New()
	got := feedAll(t, p, "   ")
	if len(got) != 0 {
		t.Fatalf("got %v, want none", got)
	}
	if p.Done() {
		t.Fatal("parser should not be done before '[' arrives")
	}
}
