package escrow

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/decred/base58"
)

// DefaultVaultSeed is the public seed label vault addresses are derived from.
const DefaultVaultSeed = "vault"

const derivationMarker = "EscrowDerivedAddress"

// DeriveVaultAddress computes the vault address for owner under program.
// Any client can reproduce it; nothing about it is stored besides the result.
func DeriveVaultAddress(seed string, owner, program Address) Address {
	h := sha256.New()
	writeField(h, []byte(seed))
	writeField(h, []byte(owner))
	writeField(h, []byte(program))
	h.Write([]byte(derivationMarker))
	return Address(base58.Encode(h.Sum(nil)))
}

// length-prefixed so ("ab","c") and ("a","bc") never collide
func writeField(h hash.Hash, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}
