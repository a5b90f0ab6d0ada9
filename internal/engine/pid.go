package engine

import (
	"math/rand"
	"strconv"
	"strings"
)

const (
	// digitBase bounds one level of a position identifier. Fresh digits are
	// allocated strictly inside (0, digitBase).
	digitBase = 1 << 16
	// allocBoundary caps how far into a free interval a new digit lands,
	// which keeps identifiers short when edits cluster at one end.
	allocBoundary = 32
)

// pos is one level of a position identifier: a digit plus the site that
// allocated it. The site breaks ties between equal digits.
type pos struct {
	Digit uint32
	Site  uint32
}

// pid is a dense position identifier. Ordering is lexicographic by level,
// with the shorter identifier sorting first on a shared prefix, so there is
// always room to allocate between two distinct identifiers.
type pid []pos

func (p pid) compare(q pid) int {
	n := min(len(p), len(q))
	for i := 0; i < n; i++ {
		switch {
		case p[i].Digit != q[i].Digit:
			if p[i].Digit < q[i].Digit {
				return -1
			}
			return 1
		case p[i].Site != q[i].Site:
			if p[i].Site < q[i].Site {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	}
	return 0
}

// key renders the identifier as a stable map key.
func (p pid) key() string {
	var b strings.Builder
	for i, l := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.FormatUint(uint64(l.Digit), 36))
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(l.Site), 36))
	}
	return b.String()
}

// between allocates a fresh identifier strictly between left and right for
// the given site. A nil left means the document start, a nil right the
// document end. Callers must pass left < right.
func between(left, right pid, site uint32, rng *rand.Rand) pid {
	var prefix pid
	// right constrains the allocation only while the adopted prefix still
	// matches right level for level.
	bounded := true
	for depth := 0; ; depth++ {
		var lo pos
		if depth < len(left) {
			lo = left[depth]
		}
		hi := uint32(digitBase)
		var hiLevel pos
		if bounded && depth < len(right) {
			hiLevel = right[depth]
			hi = hiLevel.Digit
		}
		if hi > lo.Digit {
			if gap := hi - lo.Digit; gap > 1 {
				span := gap - 1
				if span > allocBoundary {
					span = allocBoundary
				}
				digit := lo.Digit + 1 + uint32(rng.Intn(int(span)))
				out := make(pid, len(prefix)+1)
				copy(out, prefix)
				out[len(prefix)] = pos{Digit: digit, Site: site}
				return out
			}
		}
		// No room at this depth: adopt the left level and descend.
		prefix = append(prefix, lo)
		if bounded && (depth >= len(right) || lo != hiLevel) {
			bounded = false
		}
	}
}
