package tgui

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()
	d, err := Data("sub", "add", "com.example:app")
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	scope, action, payload, ok := ParseData(d)
	if !ok || scope != "sub" || action != "add" || payload != "com.example:app" {
		t.Fatalf("ParseData(%q) = %q %q %q %v", d, scope, action, payload, ok)
	}
	if _, err := Data("sub", "add", strings.Repeat("x", 60)); !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("long payload err = %v", err)
	}
}

func TestParseDataRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "sub", ":add", "sub:"} {
		if _, _, _, ok := ParseData(in); ok {
			t.Fatalf("ParseData(%q) accepted", in)
		}
	}
}

func TestMessageOptions(t *testing.T) {
	t.Parallel()
	plain := Message{Text: "x"}.Options()
	if plain.ParseMode != "HTML" || !plain.DisablePreview || plain.ReplyMarkupAdapter != nil {
		t.Fatalf("plain options = %+v", plain)
	}
	if opt := (Message{Text: "x", Keyboard: NewInline()}).Options(); opt.ReplyMarkupAdapter != nil {
		t.Fatalf("empty keyboard attached")
	}

	kb := NewInline().Row(Btn("a", "s:a")).Row(Btn("b", "s:b"), URLBtn("c", "https://example.com"))
	opt := Message{Text: "x", Keyboard: kb}.Options()
	rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	if !ok || len(rm.InlineKeyboard) != 2 || len(rm.InlineKeyboard[1]) != 2 {
		t.Fatalf("markup = %#v", opt.ReplyMarkupAdapter)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 6, "hello…"},
		{"héllo", 3, "hé…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
