// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// diagPrefix tags every diagnostic line.
const diagPrefix = "[reloader]"

// diagWidth is the total line width a filled line is padded to.
const diagWidth = 80

// Diag is the human-facing diagnostic sink used for begin/end brackets and
// step tracing. It is safe for concurrent use.
type Diag struct {
	w  io.Writer
	mu sync.Mutex
}

// NewDiag creates a sink writing to w, or os.Stdout if w is nil.
func NewDiag(w io.Writer) *Diag {
	if w == nil {
		w = os.Stdout
	}
	return &Diag{w: w}
}

// PrintOption configures a single Print call.
type PrintOption func(*printOptions)

type printOptions struct {
	fill rune
}

// WithFill pads the line to a fixed width with fill.
func WithFill(fill rune) PrintOption {
	return func(o *printOptions) {
		o.fill = fill
	}
}

// Print writes values separated by spaces as one prefixed line.
// A nil Diag discards output.
func (d *Diag) Print(values []any, opts ...PrintOption) {
	if d == nil {
		return
	}

	var o printOptions
	for _, opt := range opts {
		opt(&o)
	}

	parts := make([]string, 0, len(values)+1)
	parts = append(parts, diagPrefix)
	for _, v := range values {
		parts = append(parts, fmt.Sprint(v))
	}
	line := strings.Join(parts, " ")

	if o.fill != 0 {
		line += " "
		if pad := diagWidth - len([]rune(line)); pad > 0 {
			line += strings.Repeat(string(o.fill), pad)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	//nolint:errcheck // diagnostics are best effort
	fmt.Fprintln(d.w, line)
}
