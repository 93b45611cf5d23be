// Package diff computes structured line-granularity diffs between two
// normalized content fragments.
//
// Inputs are mapped line-by-line to single runes before the quadratic
// diff runs, so working memory is proportional to the number of
// distinct lines rather than a multiple of the full document size.
// Documents whose combined size exceeds the engine ceiling are refused
// with ErrTooLarge instead of risking the process memory budget.
package diff

import (
	"errors"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrTooLarge is returned when the combined input size exceeds the
// engine's byte ceiling. Callers serve a degraded response.
var ErrTooLarge = errors.New("diff: input too large to diff inline")

// Op is the type of a diff span.
type Op string

const (
	OpEqual  Op = "equal"
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

// Span is one typed run of the diff output.
type Span struct {
	Op   Op     `json:"op"`
	Text string `json:"text"`
}

// Result is the ordered span sequence for one (old, new) pair.
type Result struct {
	Spans []Span `json:"spans"`
}

// Changed reports whether the result contains any insertion or
// deletion.
func (r Result) Changed() bool {
	for _, span := range r.Spans {
		if span.Op != OpEqual {
			return true
		}
	}
	return false
}

// Stats returns the number of inserted and deleted lines.
func (r Result) Stats() (inserted, deleted int) {
	for _, span := range r.Spans {
		n := strings.Count(span.Text, "\n")
		if n == 0 && span.Text != "" {
			n = 1
		}
		switch span.Op {
		case OpInsert:
			inserted += n
		case OpDelete:
			deleted += n
		}
	}
	return inserted, deleted
}

type Engine struct {
	maxBytes int
}

// NewEngine creates a diff engine with the given combined-input byte
// ceiling. A ceiling of 0 disables the check.
func NewEngine(maxBytes int) *Engine {
	return &Engine{maxBytes: maxBytes}
}

// Compute diffs old against new. It is pure: identical inputs always
// produce identical output, which cache validity depends on.
func (e *Engine) Compute(old, new []byte) (Result, error) {
	if e.maxBytes > 0 && len(old)+len(new) > e.maxBytes {
		return Result{}, ErrTooLarge
	}

	dmp := diffmatchpatch.New()
	// A nonzero timeout makes output depend on wall-clock time, which
	// would break the identical-inputs-identical-output requirement.
	dmp.DiffTimeout = 0

	oldChars, newChars, lines := dmp.DiffLinesToChars(string(old), string(new))
	diffs := dmp.DiffMain(oldChars, newChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	spans := make([]Span, 0, len(diffs))
	for _, d := range diffs {
		spans = append(spans, Span{Op: opFor(d.Type), Text: d.Text})
	}
	return Result{Spans: spans}, nil
}

func opFor(t diffmatchpatch.Operation) Op {
	switch t {
	case diffmatchpatch.DiffInsert:
		return OpInsert
	case diffmatchpatch.DiffDelete:
		return OpDelete
	default:
		return OpEqual
	}
}
