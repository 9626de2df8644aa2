package expr

import (
	"fmt"
)

// Diagnostic is one per-row evaluation error, keyed by where it happened.
type Diagnostic struct {
	Location string
	Err      error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %v", d.Location, d.Err)
}

// Diagnostics collects per-row errors in the order they occur. Rows that
// fail are skipped and evaluation continues.
//
// A nil *Diagnostics discards everything added to it.
type Diagnostics struct {
	items []Diagnostic
}

// Add records err at location.
func (d *Diagnostics) Add(location string, err error) {
	if d == nil || err == nil {
		return
	}
	d.items = append(d.items, Diagnostic{Location: location, Err: err})
}

// Len returns the number of collected diagnostics.
func (d *Diagnostics) Len() int {
	if d == nil {
		return 0
	}
	return len(d.items)
}

// Items returns the collected diagnostics without draining them.
func (d *Diagnostics) Items() []Diagnostic {
	if d == nil {
		return nil
	}
	return append([]Diagnostic(nil), d.items...)
}

// Take drains and returns the collected diagnostics.
func (d *Diagnostics) Take() []Diagnostic {
	if d == nil {
		return nil
	}
	out := d.items
	d.items = nil
	return out
}
