package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

// deriveSeedKey derives an ed25519 key deterministically from seed and
// index, so every peer constructed against the same seed/index pair
// reproduces the same key pair. This is the RS's GetRandomTable use case
// (spec §6): controlled test networks where reproducible, non-secret keys
// are acceptable. Never use in production — callers only reach this path
// when a deployment explicitly configures KeySourceSeedDerived.
func deriveSeedKey(seed string, index int) (ed25519.PrivateKey, error) {
	if seed == "" {
		return nil, fmt.Errorf("crypto: seed-derived key source requires a non-empty seed")
	}
	logrus.WithFields(logrus.Fields{
		"component": "crypto",
		"seed_index": index,
	}).Warn("using seed-derived key; only valid for controlled test networks")

	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], uint64(index))
	material := sha256.Sum256(append([]byte(seed), idxBuf[:]...))
	// ed25519.NewKeyFromSeed requires exactly 32 bytes of seed material.
	return ed25519.NewKeyFromSeed(material[:]), nil
}
