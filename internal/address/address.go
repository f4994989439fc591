// Package address classifies probe output lines as IPv4 literals.
package address

import (
	"regexp"
	"strconv"
	"strings"
)

// dottedQuad matches four dot-separated groups of one to three digits.
// Octet ranges are not checked; the probe is trusted to emit real addresses.
var dottedQuad = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)

// Address is a dotted-quad IPv4 literal accepted by Classify.
type Address string

// Classify trims the line and returns it as an Address when it is a
// dotted-quad literal. Anything else is noise and yields false.
func Classify(line string) (Address, bool) {
	trimmed := strings.TrimSpace(line)
	if !dottedQuad.MatchString(trimmed) {
		return "", false
	}
	return Address(trimmed), true
}

// LastOctet returns the numeric value of the fourth group, the sole
// ordering key of a result set.
func (a Address) LastOctet() int {
	s := string(a)
	n, err := strconv.Atoi(s[strings.LastIndexByte(s, '.')+1:])
	if err != nil {
		return 0
	}
	return n
}

// String returns the dotted-quad form.
func (a Address) String() string {
	return string(a)
}

// Strings converts a slice of addresses to plain strings.
func Strings(addrs []Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}
