package diag

import (
	"fmt"
	"strings"
)

// Check is the outcome of one diagnostic probe.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is an ordered set of checks.
type Report struct {
	Checks []Check `json:"checks"`
}

// Add appends a check.
func (r *Report) Add(name string, ok bool, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, OK: ok, Detail: detail})
}

// Passed reports whether every check passed. An empty report has not passed.
func (r *Report) Passed() bool {
	if len(r.Checks) == 0 {
		return false
	}
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

// Summary renders one line per check followed by a pass count.
func (r *Report) Summary() string {
	var b strings.Builder
	passed := 0
	for _, c := range r.Checks {
		mark := "FAIL"
		if c.OK {
			mark = "ok"
			passed++
		}
		fmt.Fprintf(&b, "%-4s %s", mark, c.Name)
		if c.Detail != "" {
			fmt.Fprintf(&b, ": %s", c.Detail)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "passed %d/%d\n", passed, len(r.Checks))
	return b.String()
}
