package canon

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Domain prefixes for fingerprints. The version suffix allows migrating the
// algorithm without colliding with old values.
const (
	DomainState     = "agentecs/state/v1"
	DomainComponent = "agentecs/component/v1"
	DomainType      = "agentecs/type/v1"
)

// Fingerprint computes BLAKE2b-256(domain || 0x00 || data) as lowercase hex.
func Fingerprint(domain string, data []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateHash fingerprints a canonical state document.
func StateHash(canonicalState []byte) string {
	return Fingerprint(DomainState, canonicalState)
}
