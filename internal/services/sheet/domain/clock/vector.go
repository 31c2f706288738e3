// Package clock implements the state vectors exchanged between clients.
package clock

import (
	"sort"
	"strconv"
	"strings"
)

// Vector maps a client id to the number of messages seen from that client.
type Vector map[string]int

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// Get returns the counter for clientID.
func (v Vector) Get(clientID string) int {
	return v[clientID]
}

// Merge returns the pointwise maximum of v and other.
func (v Vector) Merge(other Vector) Vector {
	out := v.Clone()
	for k, n := range other {
		if n > out[k] {
			out[k] = n
		}
	}
	return out
}

// Covers reports whether v has seen counter messages from clientID.
func (v Vector) Covers(clientID string, counter int) bool {
	return v[clientID] >= counter
}

// Descends reports whether v has seen everything other has seen.
func (v Vector) Descends(other Vector) bool {
	for k, n := range other {
		if v[k] < n {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither vector descends from the other.
func (v Vector) Concurrent(other Vector) bool {
	return !v.Descends(other) && !other.Descends(v)
}

// Sum totals every counter. A vector that strictly descends from another has
// a strictly larger sum, which makes the sum a causality-respecting key.
func (v Vector) Sum() int {
	total := 0
	for _, n := range v {
		total += n
	}
	return total
}

// Equal reports whether both vectors carry the same non-zero counters.
func (v Vector) Equal(other Vector) bool {
	return v.Descends(other) && other.Descends(v)
}

func (v Vector) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+strconv.Itoa(v[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
