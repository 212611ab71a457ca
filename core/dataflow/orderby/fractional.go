package orderby

// The fractional index alphabet is the 94 printable, non-whitespace ASCII
// bytes from '!' (0x21) through '~' (0x7E). Every generated key uses only
// these bytes, so plain byte-wise (and therefore lexical string) comparison
// reproduces the configured order without decoding.
const alphabet = "!\"#$%&'()*+,-./0123456789:;<=>?@ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`abcdefghijklmnopqrstuvwxyz{|}~"

const base = len(alphabet)

func digitValue(c byte) int {
	for i := 0; i < base; i++ {
		if alphabet[i] == c {
			return i
		}
	}
	return 0
}

func digitChar(v int) byte {
	return alphabet[v]
}

// Between returns a key k such that lo < k < hi under ordinary string
// comparison. lo == "" means "no lower bound" (insert at the very start);
// hi == "" means "no upper bound" (insert at the very end). Passing
// lo == hi == "" produces the first key ever generated for an empty
// ordering. The algorithm never runs out of room: when two adjacent digits
// leave no gap, it descends one more digit and grows the key by one byte,
// so re-densification is unbounded rather than bucketed.
func Between(lo, hi string) string {
	var out []byte
	pos := 0
	hiBound := hi // becomes "" (infinite) once we've descended past a digit where lo's digit was strictly less than hi's

	for {
		loDigit := 0
		if pos < len(lo) {
			loDigit = digitValue(lo[pos])
		}

		hiDigit := base - 1
		if hiBound != "" {
			if pos < len(hiBound) {
				hiDigit = digitValue(hiBound[pos])
			} else {
				// hiBound is exhausted at this position: every digit of lo
				// from here on must be strictly less than "nothing", which
				// is impossible to satisfy by appending more digits equal
				// to lo's, so we must borrow from a digit below this one.
				// In practice this only happens when hiBound is a strict
				// prefix of lo, which cannot occur for a valid lo < hi
				// ordering; fall back to treating it as unbounded above.
				hiDigit = base - 1
			}
		}

		if loDigit == hiDigit {
			out = append(out, digitChar(loDigit))
			pos++
			continue
		}

		if hiDigit-loDigit >= 2 {
			mid := loDigit + (hiDigit-loDigit)/2
			out = append(out, digitChar(mid))
			return string(out)
		}

		// Adjacent digits: take lo's digit here, then everything below is
		// unconstrained from above (it's already strictly less than hi).
		out = append(out, digitChar(loDigit))
		pos++
		hiBound = ""
	}
}

// Append returns a key ordered strictly after the given key (or the very
// first key if after is "").
func Append(after string) string {
	return Between(after, "")
}

// Prepend returns a key ordered strictly before the given key (or the very
// first key if before is "").
func Prepend(before string) string {
	return Between("", before)
}
