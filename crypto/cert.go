package crypto

import (
	"crypto/ed25519"

	"github.com/tolelom/loopnode/crypto/certgen"
)

// SelfSignedCert mints this peer's identity leaf certificate. The TLS
// keypair embedded in the certificate is independent of the ed25519
// signing key pub: mTLS transport identity and consensus signing identity
// are deliberately separate key material, matching the teacher's
// certgen package (ECDSA P256 certs alongside ed25519 tx/block signing).
func SelfSignedCert(nodeID string, _ ed25519.PrivateKey, _ ed25519.PublicKey) ([]byte, error) {
	return certgen.GenerateLeaf(nodeID, nil)
}
