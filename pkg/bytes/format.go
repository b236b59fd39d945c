package bytes

// smallIntStrings caches decimal strings for 0-99, the overwhelming majority
// of integers this proxy formats (TTLs, slot numbers, small counts).
var smallIntStrings [100][]byte

func init() {
	for i := 0; i < 100; i++ {
		if i < 10 {
			smallIntStrings[i] = []byte{byte('0' + i)}
		} else {
			smallIntStrings[i] = []byte{byte('0' + i/10), byte('0' + i%10)}
		}
	}
}

// FormatInt appends the decimal representation of n to buf and returns the
// extended slice, without going through strconv or an intermediate string.
func FormatInt(buf []byte, n int64) []byte {
	if n >= 0 && n < 100 {
		return append(buf, smallIntStrings[n]...)
	}

	if n < 0 {
		buf = append(buf, '-')
		n = -n
	}
	return appendUint(buf, uint64(n))
}

func appendUint(buf []byte, n uint64) []byte {
	if n == 0 {
		return append(buf, '0')
	}

	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte(n%10) + '0'
		n /= 10
	}
	return append(buf, digits[i:]...)
}
