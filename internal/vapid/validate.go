package vapid

import (
	"fmt"
	"regexp"

	"github.com/bearstradespro/pushkit/internal/diag"
)

var urlSafeAlphabet = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate runs the format checks support uses when a server key is suspect.
// Unlike Decode it never fails; every problem is reported as a failed check.
func Validate(s string) []diag.Check {
	checks := []diag.Check{
		{Name: "not empty", OK: s != ""},
		{Name: "url-safe alphabet", OK: urlSafeAlphabet.MatchString(s)},
		{
			Name:   "encoded length 87-88",
			OK:     len(s) >= 87 && len(s) <= 88,
			Detail: fmt.Sprintf("length %d", len(s)),
		},
	}

	raw, err := Decode(s)
	switch {
	case err != nil:
		checks = append(checks, diag.Check{Name: "decoded length 65", Detail: err.Error()})
	default:
		checks = append(checks, diag.Check{
			Name:   "decoded length 65",
			OK:     len(raw) == KeySize,
			Detail: fmt.Sprintf("length %d", len(raw)),
		})
	}
	return checks
}
