// Package probmap encodes label→confidence distributions to and from the
// single-column text format used by the analysis store: "[k1:v1,k2:v2]".
// Encoding is strict and deterministic; decoding is tolerant by design so
// that rows written by older schema versions read back as "no prediction"
// instead of failing.
package probmap

import (
	"sort"
	"strconv"
	"strings"
)

// State classifies the outcome of a Parse.
type State int

const (
	// StateOK means the whole string parsed into entries.
	StateOK State = iota
	// StatePartial means the envelope parsed but one or more pairs were dropped.
	StatePartial
	// StateInvalid means the string is not a probability map at all.
	StateInvalid
)

// Result carries the detailed outcome of a Parse. Callers that only need the
// tolerant map use Decode instead.
type Result struct {
	Values  map[string]float64
	Dropped int
	State   State
}

// Encode renders m as "[k1:v1,k2:v2]" with keys in sorted order so the same
// map always produces the same string. A nil or empty map encodes to "[]";
// representing an absent map is the caller's concern (a NULL column, not a
// codec value). Values are formatted so that Decode reads them back exactly.
//
// Keys must not contain ':' or ',' — labels from the prediction channels
// (language codes, emotion names) never do.
func Encode(m map[string]float64) string {
	if len(m) == 0 {
		return "[]"
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('[')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(m[k], 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// Decode parses s into a label→confidence map. It returns nil when s is not
// a probability map (missing brackets, empty input); malformed pairs inside
// a valid envelope are dropped silently. "[]" decodes to an empty, non-nil
// map, which is distinct from "no map".
func Decode(s string) map[string]float64 {
	res := Parse(s)
	if res.State == StateInvalid {
		return nil
	}
	return res.Values
}

// Parse is the detailed form of Decode. The envelope must be, after
// trimming, at least two characters bracketed by '[' and ']'; anything else
// is StateInvalid. Each comma-separated pair splits on its first ':'; pairs
// without a colon, or whose value does not parse as a float, are counted in
// Dropped and the result becomes StatePartial.
func Parse(s string) Result {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return Result{State: StateInvalid}
	}

	body := s[1 : len(s)-1]
	values := make(map[string]float64)
	if body == "" {
		return Result{Values: values, State: StateOK}
	}

	dropped := 0
	for _, pair := range strings.Split(body, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			dropped++
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			dropped++
			continue
		}
		values[strings.TrimSpace(kv[0])] = v
	}

	state := StateOK
	if dropped > 0 {
		state = StatePartial
	}
	return Result{Values: values, Dropped: dropped, State: state}
}
