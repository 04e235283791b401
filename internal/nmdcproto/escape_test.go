package nmdcproto

import "testing"

func TestChatEscapeRoundTrip(t *testing.T) {
	cases := []string{
		"hello world",
		"a&b",
		"pipe|here",
		"dollar$sign",
		"mix & | $ of everything",
		"&#124;literal looking entity",
	}
	for _, s := range cases {
		got := UnescapeChat(EscapeChat(s))
		if got != s {
			t.Errorf("round trip failed: %q -> %q -> %q", s, EscapeChat(s), got)
		}
	}
}

func TestEscapeChatProducesNoRawDelimiters(t *testing.T) {
	s := EscapeChat("a|b$c&d")
	for _, r := range s {
		if r == '|' {
			t.Fatalf("escaped text still contains raw '|': %q", s)
		}
	}
}

func TestFilenameEscapeRoundTrip(t *testing.T) {
	cases := []string{
		"my group",
		"Music/Rock",
		"Motörhead",
		"plain",
	}
	for _, s := range cases {
		got := UnescapeFilename(EscapeFilename(s))
		if got != s {
			t.Errorf("round trip failed: %q -> %q -> %q", s, EscapeFilename(s), got)
		}
	}
}

func TestFilenameEscapeOnlyAlphanumericPassesThrough(t *testing.T) {
	s := EscapeFilename("a b")
	if s != "a&#32;b" {
		t.Fatalf("expected space to become &#32;, got %q", s)
	}
}
