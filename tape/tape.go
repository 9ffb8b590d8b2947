// Package tape records the annotated forward pass of a transient solve. The
// tape is an append-only log: entries are emitted in forward time order while
// recording and consumed in exactly reverse order by the dual sweep. It is
// owned by a single adaptive iteration and replaced, not reused, between
// iterations.
package tape

import (
	"fmt"

	"github.com/dwrlab/goadapt/core"
)

// Entry is one recorded value of a tape variable. Iteration disambiguates
// repeated records at the same timestep (nested nonlinear iterations): it
// resets to 0 when the timestep changes and increments otherwise.
type Entry struct {
	Variable  string
	Timestep  int
	Iteration int
	Time      float64
	Value     core.State
}

// Tape is the ordered forward record. The zero value is not usable; call New.
type Tape struct {
	entries []Entry
	last    map[string]int // index of the latest entry per variable
}

func New() *Tape {
	return &Tape{last: make(map[string]int)}
}

// Append records a value for variable at the given timestep, assigning the
// iteration counter from the preceding entry of the same variable. The value
// is stored as given; callers that keep mutating a buffer must pass a clone.
func (t *Tape) Append(variable string, timestep int, time float64, value core.State) {
	e := Entry{Variable: variable, Timestep: timestep, Time: time, Value: value}
	if idx, ok := t.last[variable]; ok && t.entries[idx].Timestep == timestep {
		e.Iteration = t.entries[idx].Iteration + 1
	}
	t.last[variable] = len(t.entries)
	t.entries = append(t.entries, e)
}

// Len returns the number of recorded entries across all variables.
func (t *Tape) Len() int { return len(t.entries) }

// Entries returns the recorded entries in forward order. The slice is shared
// with the tape; callers must not modify it.
func (t *Tape) Entries() []Entry { return t.entries }

// Validate checks that the tape can drive a dual sweep for the given
// variable: it must be non-empty, contain the variable, and its entries for
// that variable must be in non-decreasing timestep order.
func (t *Tape) Validate(variable string) error {
	if len(t.entries) == 0 {
		return core.ErrEmptyTape
	}
	found := false
	prev := -1
	for _, e := range t.entries {
		if e.Variable != variable {
			continue
		}
		found = true
		if e.Timestep < prev {
			return fmt.Errorf("%w: timestep %d recorded after %d", core.ErrMalformedTape, e.Timestep, prev)
		}
		prev = e.Timestep
	}
	if !found {
		return fmt.Errorf("%w: no entries for variable %q", core.ErrMalformedTape, variable)
	}
	return nil
}

// Reverse returns an iterator over the entries for variable, newest first.
func (t *Tape) Reverse(variable string) *ReverseIterator {
	return &ReverseIterator{tape: t, variable: variable, pos: len(t.entries)}
}

// ReverseIterator walks a tape backward for one variable.
type ReverseIterator struct {
	tape     *Tape
	variable string
	pos      int
	cur      Entry
}

// Next advances to the previous recorded entry, returning false when the
// start of the tape is reached.
func (it *ReverseIterator) Next() bool {
	for it.pos > 0 {
		it.pos--
		e := it.tape.entries[it.pos]
		if e.Variable == it.variable {
			it.cur = e
			return true
		}
	}
	return false
}

// At returns the current entry. Only valid after a Next that returned true.
func (it *ReverseIterator) At() Entry { return it.cur }
