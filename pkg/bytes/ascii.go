package bytes

// upperTable is a lookup table for ASCII uppercase conversion. Non-ASCII
// bytes pass through unchanged.
var upperTable [256]byte

func init() {
	for i := 0; i < 256; i++ {
		if i >= 'a' && i <= 'z' {
			upperTable[i] = byte(i - 32)
		} else {
			upperTable[i] = byte(i)
		}
	}
}

// ToUpperInPlace uppercases ASCII letters in b without allocating. Safe to
// call on command name bytes straight out of the RESP parser, since a
// command's casing is never observed again after dispatch.
func ToUpperInPlace(b []byte) {
	for i := range b {
		b[i] = upperTable[b[i]]
	}
}

// EqualFold reports whether a and b are equal ignoring ASCII case, without
// allocating an uppercased copy of either.
func EqualFold(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if upperTable[a[i]] != upperTable[b[i]] {
			return false
		}
	}
	return true
}
