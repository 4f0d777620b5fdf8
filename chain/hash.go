package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Hash returns the lowercase hex SHA-256 digest of data. Grounded on the
// teacher's crypto.Hash; kept in package chain since both Transaction and
// Block hashing need it and neither should import the signer package for
// a plain digest.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// MerkleRoot builds a deterministic root hash over a list of tx hashes.
// Each hash is length-prefixed (4-byte big-endian) before concatenation so
// that different ID sets can never collide on the same byte sequence.
// A single flat hash (not a tree) is sufficient here: the spec only
// requires merkle_root to commit to the confirmed_transactions set and
// its order, not log-depth membership proofs.
func MerkleRoot(txHashes []string) string {
	if len(txHashes) == 0 {
		return Hash([]byte("empty"))
	}
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, h := range txHashes {
		b := []byte(h)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}
	return Hash(buf.Bytes())
}
