package render

import (
	"strings"
	"testing"

	"github.com/tinytelemetry/dogd/record"
)

func TestRender_Plain(t *testing.T) {
	t.Parallel()

	r := Plain()
	tests := []struct {
		name string
		rec  record.Record
		want string
	}{
		{
			name: "single line",
			rec:  record.Record{Line: "boot ok", ProgName: "svc", Priority: record.Info},
			want: "svc(I) boot ok\n",
		},
		{
			name: "multi line",
			rec:  record.Record{Line: "a\nb", ProgName: "x", Priority: record.Error},
			want: "x(E) a\nx(E) b\n",
		},
		{
			name: "outer whitespace trimmed",
			rec:  record.Record{Line: "  \n\tdisk full \n\n", ProgName: "db", Priority: record.Critical},
			want: "db(C) disk full\n",
		},
		{
			name: "empty prog name",
			rec:  record.Record{Line: "hello", ProgName: "", Priority: record.Debug},
			want: "(D) hello\n",
		},
		{
			name: "empty line still emits one line",
			rec:  record.Record{Line: "   ", ProgName: "svc", Priority: record.Info},
			want: "svc(I) \n",
		},
		{
			name: "inner blank line kept",
			rec:  record.Record{Line: "a\n\nb", ProgName: "p", Priority: record.Info},
			want: "p(I) a\np(I) \np(I) b\n",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := r.Render(tt.rec); got != tt.want {
				t.Fatalf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_LineCountMatchesPayload(t *testing.T) {
	t.Parallel()

	r := Plain()
	for n := 1; n <= 5; n++ {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = "line"
		}
		out := r.Render(record.Record{Line: strings.Join(parts, "\n"), ProgName: "p", Priority: record.Info})
		lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
		if len(lines) != n {
			t.Fatalf("%d payload lines rendered as %d", n, len(lines))
		}
		for _, l := range lines {
			if !strings.HasPrefix(l, "p(I) ") {
				t.Fatalf("line %q lacks prefix", l)
			}
		}
	}
}

func TestRender_Deterministic(t *testing.T) {
	t.Parallel()

	for _, mode := range []ColorMode{ColorNever, ColorAlways} {
		r := New(mode, nil)
		rec := record.Record{Line: "x\ny", ProgName: "svc", Priority: record.Critical}
		first := r.Render(rec)
		for i := 0; i < 10; i++ {
			if got := r.Render(rec); got != first {
				t.Fatalf("mode %s: render %d = %q, want %q", mode, i, got, first)
			}
		}
	}
}

func TestNew_ColorModes(t *testing.T) {
	t.Parallel()

	rec := record.Record{Line: "boom", ProgName: "svc", Priority: record.Error}

	if got := New(ColorNever, nil).Render(rec); got != "svc(E) boom\n" {
		t.Fatalf("never: %q", got)
	}
	// A non-file writer is never a terminal.
	if got := New(ColorAuto, &strings.Builder{}).Render(rec); got != "svc(E) boom\n" {
		t.Fatalf("auto on buffer: %q", got)
	}
	colored := New(ColorAlways, nil).Render(rec)
	if !strings.Contains(colored, "\x1b[") {
		t.Fatalf("always: expected escape sequence in %q", colored)
	}
	if !strings.HasPrefix(colored, "svc(") || !strings.HasSuffix(colored, ") boom\n") {
		t.Fatalf("always: frame changed: %q", colored)
	}
}

func TestGlyph_UnknownPriority(t *testing.T) {
	t.Parallel()

	if got := Plain().Glyph(record.Priority(0)); got != "?" {
		t.Fatalf("Glyph(0) = %q, want ?", got)
	}
	for _, p := range record.Priorities() {
		if got := Plain().Glyph(p); got != p.String()[:1] {
			t.Fatalf("Glyph(%v) = %q", p, got)
		}
	}
}

func TestParseColorMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]ColorMode{"auto": ColorAuto, "Always": ColorAlways, " never ": ColorNever} {
		got, ok := ParseColorMode(in)
		if !ok || got != want {
			t.Fatalf("ParseColorMode(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseColorMode("sometimes"); ok {
		t.Fatal("ParseColorMode accepted an invalid mode")
	}
}
