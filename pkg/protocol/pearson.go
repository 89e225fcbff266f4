package protocol

// Permutation is the substitution table shared with the device firmware
var Permutation = [32]byte{
	0x72, 0x32, 0x25, 0x64, 0x64, 0x4f, 0x1e, 0x26, 0x2a, 0x74, 0x37, 0x09, 0x57, 0x02, 0x28, 0x08,
	0x14, 0x23, 0x49, 0x10, 0x62, 0x02, 0x1e, 0x7e, 0x5d, 0x1b, 0x27, 0x76, 0x7a, 0x76, 0x05, 0x2e,
}

// PearsonHash computes the license hash. Order dependent.
func PearsonHash(data ...byte) byte {
	var h byte
	for _, b := range data {
		h = Permutation[(b^h)%byte(len(Permutation))]
	}
	return h
}
