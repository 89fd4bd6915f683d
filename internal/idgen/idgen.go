// Package idgen generates short opaque identifiers for connections,
// watchers, and other server-assigned correlation tokens.
package idgen

import (
	"crypto/rand"
	"math/big"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Token7 returns a random 7-character base36 token, used for wsId and
// watcherId values.
func Token7() string {
	return tokenN(7)
}

func tokenN(n int) string {
	buf := make([]byte, n)
	alphabetLen := big.NewInt(int64(len(base36Alphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			// crypto/rand failure is unrecoverable in practice; fall back to
			// a fixed character rather than panicking the caller.
			buf[i] = base36Alphabet[0]
			continue
		}
		buf[i] = base36Alphabet[idx.Int64()]
	}
	return string(buf)
}
