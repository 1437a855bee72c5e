package gammascout

// The device stores impulse counts in 16 bits: a 6-bit exponent field and
// a 10-bit mantissa. Exponent fields 2k-1 and 2k both mean "shift by k-1
// with the implicit 1024 bit set"; field 0 means the mantissa is the count.

const (
	exponentMask = 0xFC00
	mantissaMask = 0x03FF
	maxExponent  = 32 // (0x3F+1)/2
)

// DecodeCount expands the two count bytes sent by the device.
func DecodeCount(hi, lo byte) int64 {
	value := int(hi)<<8 | int(lo)
	exponent := (value & exponentMask) >> 10
	exponent = (exponent + 1) / 2
	mantissa := int64(value & mantissaMask)
	if exponent == 0 {
		return mantissa
	}
	// (mantissa+1024) * 2^(exponent-1) is always an integer for exponent
	// >= 1, so the firmware's round() is exact as a shift.
	return (mantissa + 1024) << (exponent - 1)
}

// EncodeCount is the inverse of DecodeCount. Counts that need more than
// ten significant bits are truncated to the representable value below
// them, as the firmware does.
func EncodeCount(n int64) (hi, lo byte) {
	if n < 0 {
		n = 0
	}
	if n <= mantissaMask {
		return byte(n >> 8), byte(n)
	}
	k := 1
	for n>>(k-1) > 2047 && k < maxExponent {
		k++
	}
	shifted := n >> (k - 1)
	if shifted > 2047 {
		shifted = 2047
	}
	value := (2*k-1)<<10 | int(shifted-1024)
	return byte(value >> 8), byte(value)
}
