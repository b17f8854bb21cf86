package codec

import "github.com/klauspost/compress/s2"

// Payloads are stored as Snappy-compatible blocks so rows written by other
// Snappy implementations stay readable.
func compress(data []byte) []byte {
	return s2.EncodeSnappy(nil, data)
}

func decompress(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}
