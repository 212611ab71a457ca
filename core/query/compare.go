package query

import (
	"github.com/leofalp/flux/internal/canonical"
)

// compareEqual reports structural equality between two expression
// operands, using the same canonical encoding the dataflow layer uses for
// multiset identity, so a query's eq/ne/in agree with how join and reduce
// see row identity.
func compareEqual(a, b any) bool {
	return canonical.Equal(a, b)
}

// compareOrdered returns (cmp, true) when a and b are both numeric or
// both strings, and (0, false) otherwise (comparisons across
// incompatible types are not meaningful and the caller treats them as a
// non-match rather than an error).
func compareOrdered(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
