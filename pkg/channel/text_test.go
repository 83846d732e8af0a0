package channel

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortAndEmpty(t *testing.T) {
	if got := SplitText("  hello  ", 10); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("SplitText short = %q, want [hello]", got)
	}
	if got := SplitText("   ", 10); got != nil {
		t.Fatalf("SplitText blank = %q, want nil", got)
	}
	exact := strings.Repeat("a", 10)
	if got := SplitText(exact, 10); len(got) != 1 || got[0] != exact {
		t.Fatalf("SplitText exact = %q", got)
	}
}

func TestSplitTextPrefersNewlineThenSpace(t *testing.T) {
	got := SplitText("first line\nsecond line here", 16)
	want := []string{"first line", "second line here"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("SplitText newline = %q, want %q", got, want)
	}

	got = SplitText("alpha beta gamma delta", 11)
	want = []string{"alpha beta", "gamma delta"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("SplitText space = %q, want %q", got, want)
	}
}

func TestSplitTextHardCutRespectsLimit(t *testing.T) {
	text := strings.Repeat("x", 4500)
	chunks := SplitText(text, 2000)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 2000 {
			t.Fatalf("chunk %d len = %d, want <= 2000", i, len(chunk))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("hard cut lost content")
	}
}

func TestSplitTextKeepsRunesWhole(t *testing.T) {
	text := strings.Repeat("é", 5)
	for _, chunk := range SplitText(text, 3) {
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk %q is not valid UTF-8", chunk)
		}
	}
}

func TestAllowSet(t *testing.T) {
	allowed := AllowSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("AllowSet len = %d, want 2", len(allowed))
	}
	if !Allowed(allowed, "123") || !Allowed(allowed, " 456") {
		t.Fatal("expected configured values to be allowed")
	}
	if Allowed(allowed, "789") {
		t.Fatal("expected 789 to be denied")
	}
	if AllowSet([]string{" ", ""}) != nil {
		t.Fatal("expected blank allow list to be nil")
	}
	if !Allowed(nil, "anyone") {
		t.Fatal("expected empty allow list to allow everyone")
	}
}

func TestPreviewText(t *testing.T) {
	if got := PreviewText(" hello "); got != "hello" {
		t.Fatalf("PreviewText short = %q, want %q", got, "hello")
	}

	got := PreviewText(strings.Repeat("a", messagePreviewLimit+20))
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("PreviewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("PreviewText long = %q, want ellipsis suffix", got)
	}
}
