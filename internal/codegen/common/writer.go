package common

import (
	"fmt"
	"strings"
)

// Writer accumulates indented source text.
type Writer struct {
	buf    strings.Builder
	indent int
}

// In deepens the indentation by one level.
func (w *Writer) In() {
	w.indent++
}

// Out shallows the indentation by one level.
func (w *Writer) Out() {
	if w.indent > 0 {
		w.indent--
	}
}

// Linef writes one indented line.
func (w *Writer) Linef(format string, args ...any) {
	for i := 0; i < w.indent; i++ {
		w.buf.WriteString("  ")
	}
	fmt.Fprintf(&w.buf, format, args...)
	w.buf.WriteByte('\n')
}

// Blank writes an empty line.
func (w *Writer) Blank() {
	w.buf.WriteByte('\n')
}

func (w *Writer) String() string {
	return w.buf.String()
}
