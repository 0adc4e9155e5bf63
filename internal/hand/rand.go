package hand

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// CryptoSource draws uniform values from crypto/rand. It backs the perception
// contest rolls in production; tests substitute a scripted source.
type CryptoSource struct{}

// Uniform returns a uniformly distributed float64 in [0, 1).
func (CryptoSource) Uniform() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("hand: uniform entropy: %w", err)
	}
	// 53 bits of mantissa.
	v := binary.BigEndian.Uint64(buf[:]) >> 11
	return float64(v) / (1 << 53), nil
}
