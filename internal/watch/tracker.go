package watch

import "sort"

// Tracker remembers the last observed open state of each CRN. It is owned
// by the polling goroutine and is not safe for concurrent use.
type Tracker struct {
	last map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]bool)}
}

// Observe records the state seen for crn and reports whether it is a
// closed-to-open transition. A CRN never seen before counts as closed.
func (t *Tracker) Observe(crn string, open bool) bool {
	prev := t.last[crn]
	t.last[crn] = open
	return open && !prev
}

// Known reports the last observed state, and whether there is one.
func (t *Tracker) Known(crn string) (open, ok bool) {
	open, ok = t.last[crn]
	return open, ok
}

// Open returns the CRNs last observed open, sorted.
func (t *Tracker) Open() []string {
	var crns []string
	for crn, open := range t.last {
		if open {
			crns = append(crns, crn)
		}
	}
	sort.Strings(crns)
	return crns
}
