package server

import (
	"crypto/rand"
	"fmt"
)

// A pairing code is the only credential of a session: 6 symbols from a
// 36-symbol alphabet (~2.2 billion codes), drawn from crypto/rand so that
// observed codes reveal nothing about future ones.
const (
	pairingCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	pairingCodeLen      = 6
)

// genPairingCode returns one random candidate code; the caller is in charge
// of uniqueness among live sessions.
func genPairingCode() (string, error) {
	code := make([]byte, 0, pairingCodeLen)
	raw := make([]byte, 16)

	for len(code) < pairingCodeLen {
		if _, err := rand.Read(raw); err != nil {
			return "", fmt.Errorf("can't read random bytes: %v", err)
		}
		for _, b := range raw {
			// reject the top 4 values of the byte to keep all 36 symbols
			// equally likely (252 = 7 * 36)
			if b >= 252 {
				continue
			}
			code = append(code, pairingCodeAlphabet[int(b)%len(pairingCodeAlphabet)])
			if len(code) == pairingCodeLen {
				break
			}
		}
	}
	return string(code), nil
}
