// Package render turns records into display text: one line per physical
// payload line, each prefixed with the program name and a priority glyph.
package render

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"github.com/tinytelemetry/dogd/record"
)

// ColorMode selects whether glyphs carry ANSI styling.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// ParseColorMode accepts auto, always or never; anything else is reported as
// invalid.
func ParseColorMode(s string) (ColorMode, bool) {
	switch m := ColorMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ColorAuto, ColorAlways, ColorNever:
		return m, true
	default:
		return "", false
	}
}

var glyphLetters = map[record.Priority]string{
	record.Debug:    "D",
	record.Info:     "I",
	record.Error:    "E",
	record.Critical: "C",
}

// Renderer formats records. Glyphs are styled once at construction, so
// Render is a pure function of its input.
type Renderer struct {
	glyphs map[record.Priority]string
}

// New builds a renderer. ColorAuto styles glyphs only when console is a
// terminal; a nil console counts as not a terminal.
func New(mode ColorMode, console io.Writer) *Renderer {
	return newWithProfile(profileFor(mode, console))
}

// Plain returns a renderer that never emits escape sequences.
func Plain() *Renderer {
	return newWithProfile(termenv.Ascii)
}

func newWithProfile(profile termenv.Profile) *Renderer {
	lr := lipgloss.NewRenderer(io.Discard)
	lr.SetColorProfile(profile)

	styles := map[record.Priority]lipgloss.Style{
		record.Debug:    lr.NewStyle().Foreground(lipgloss.Color("8")),
		record.Info:     lr.NewStyle(),
		record.Error:    lr.NewStyle().Foreground(lipgloss.Color("1")),
		record.Critical: lr.NewStyle().Foreground(lipgloss.Color("1")).Background(lipgloss.Color("7")),
	}

	glyphs := make(map[record.Priority]string, len(styles))
	for p, style := range styles {
		glyphs[p] = style.Render(glyphLetters[p])
	}
	return &Renderer{glyphs: glyphs}
}

func profileFor(mode ColorMode, console io.Writer) termenv.Profile {
	switch mode {
	case ColorAlways:
		return termenv.ANSI
	case ColorNever:
		return termenv.Ascii
	}
	f, ok := console.(*os.File)
	if !ok || f == nil {
		return termenv.Ascii
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return termenv.Ascii
	}
	return termenv.NewOutput(f).EnvColorProfile()
}

// Glyph returns the styled marker for p. Out-of-set priorities render as "?".
func (r *Renderer) Glyph(p record.Priority) string {
	if g, ok := r.glyphs[p]; ok {
		return g
	}
	return "?"
}

// Render formats rec. The payload is trimmed of outer whitespace and split on
// newlines; each physical line becomes "<prog>(<glyph>) <line>\n".
func (r *Renderer) Render(rec record.Record) string {
	lines := strings.Split(strings.TrimSpace(rec.Line), "\n")
	prefix := rec.ProgName + "(" + r.Glyph(rec.Priority) + ") "

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
