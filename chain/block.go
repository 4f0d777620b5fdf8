package chain

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// BlockType distinguishes ordinary blocks from self-authenticating
// membership blocks (PeerManager dumps), which voters commit without a
// vote round — see Manager.HandleAnnounceUnconfirmedBlock in package consensus.
type BlockType string

const (
	BlockGeneral  BlockType = "general"
	BlockPeerList BlockType = "peer_list"
)

// Block is a proposed or committed unit of the replicated ledger.
// Invariants (enforced by VerifyIntegrity and by blockstore.Store.Append):
//   - prev_block_hash of the block at height h equals block_hash of h-1
//   - genesis has height 0 and an empty prev_block_hash
//   - block_hash = H(prev_block_hash ‖ merkle_root ‖ timestamp ‖ peer_id)
//   - merkle_root is MerkleRoot over ConfirmedTransactions by tx_hash
type Block struct {
	BlockHash             string         `json:"block_hash"`
	PrevBlockHash         string         `json:"prev_block_hash"`
	Height                uint64         `json:"height"`
	MerkleRoot            string         `json:"merkle_root"`
	Timestamp             int64          `json:"timestamp"`
	PeerID                string         `json:"peer_id"` // proposer
	Channel               string         `json:"channel"`
	ConfirmedTransactions []*Transaction `json:"confirmed_transactions"`
	BlockType             BlockType      `json:"block_type"`
	PrevBlockConfirm      bool           `json:"prev_block_confirm"`
	MadeBlockCount        int            `json:"made_block_count"`
	IsDividedBlock        bool           `json:"is_divided_block"`
	Signature             string         `json:"signature"`
	PublicKey             string         `json:"public_key"`
}

// GenesisPrevHash is the canonical previous-hash value for height 0.
const GenesisPrevHash = ""

// NewBlock assembles an unsigned block. Call ComputeHash/Sign before
// broadcasting.
func NewBlock(channel, peerID, prevHash string, height uint64, txs []*Transaction, typ BlockType) *Block {
	hashes := make([]string, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.TxHash
	}
	return &Block{
		PrevBlockHash:         prevHash,
		Height:                height,
		MerkleRoot:            MerkleRoot(hashes),
		Timestamp:             time.Now().UnixNano(),
		PeerID:                peerID,
		Channel:               channel,
		ConfirmedTransactions: txs,
		BlockType:             typ,
	}
}

// ComputeHash returns block_hash per the data-model invariant.
func (b *Block) ComputeHash() string {
	body := fmt.Sprintf("%s|%s|%d|%s", b.PrevBlockHash, b.MerkleRoot, b.Timestamp, b.PeerID)
	return Hash([]byte(body))
}

// Sign sets BlockHash/PublicKey/Signature using priv.
func (b *Block) Sign(priv ed25519.PrivateKey) {
	b.BlockHash = b.ComputeHash()
	pub := priv.Public().(ed25519.PublicKey)
	b.PublicKey = hex.EncodeToString(pub)
	b.Signature = hex.EncodeToString(ed25519.Sign(priv, []byte(b.BlockHash)))
}

// VerifyIntegrity recomputes BlockHash and MerkleRoot and checks the
// proposer signature. It does not check chain linkage (height/prev hash)
// — that is the caller's job, since linkage depends on local chain state.
func (b *Block) VerifyIntegrity() error {
	if computed := b.ComputeHash(); computed != b.BlockHash {
		return fmt.Errorf("block: block_hash mismatch: stored %s computed %s", b.BlockHash, computed)
	}
	hashes := make([]string, len(b.ConfirmedTransactions))
	for i, tx := range b.ConfirmedTransactions {
		hashes[i] = tx.TxHash
	}
	if computed := MerkleRoot(hashes); computed != b.MerkleRoot {
		return fmt.Errorf("block: merkle_root mismatch: stored %s computed %s", b.MerkleRoot, computed)
	}
	if b.PublicKey == "" {
		return errors.New("block: missing public_key")
	}
	pub, err := hex.DecodeString(b.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("block: invalid public_key: %w", err)
	}
	sig, err := hex.DecodeString(b.Signature)
	if err != nil {
		return fmt.Errorf("block: invalid signature hex: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(b.BlockHash), sig) {
		return errors.New("block: proposer signature invalid")
	}
	return nil
}

// VerifyTransactions verifies every confirmed transaction's own signature.
// Called in addition to VerifyIntegrity during voter-side validation.
func (b *Block) VerifyTransactions() error {
	for i, tx := range b.ConfirmedTransactions {
		if err := tx.Verify(); err != nil {
			return fmt.Errorf("block: tx[%d] %s: %w", i, tx.TxHash, err)
		}
	}
	return nil
}

// IsGenesis reports whether this is the chain's height-0 block.
func (b *Block) IsGenesis() bool {
	return b.Height == 0 && b.PrevBlockHash == GenesisPrevHash
}
