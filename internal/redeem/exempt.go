package redeem

import "strings"

// DefaultExemptCode is the test code exempt from device binding and expiry.
const DefaultExemptCode = "TEST8888"

// ExemptList is a set of normalized codes that may rebind devices, never
// expire and are never reaped.
type ExemptList map[string]struct{}

// NewExemptList normalizes codes into a set, skipping blanks.
func NewExemptList(codes ...string) ExemptList {
	l := make(ExemptList, len(codes))
	for _, c := range codes {
		if c = NormalizeCode(c); c != "" {
			l[c] = struct{}{}
		}
	}
	return l
}

// ParseExemptList splits a comma-separated list such as "TEST8888,DEMO1".
func ParseExemptList(s string) ExemptList {
	return NewExemptList(strings.Split(s, ",")...)
}

// Contains reports whether code is exempt.
func (l ExemptList) Contains(code string) bool {
	_, ok := l[NormalizeCode(code)]
	return ok
}
