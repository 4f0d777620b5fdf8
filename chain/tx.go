// Package chain defines the wire-level data model shared by every channel:
// transactions, blocks and the in-flight candidate-block/vote structures
// built on top of them.
package chain

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TxType distinguishes ordinary application transactions from the
// self-authenticating membership blocks a channel's PeerManager emits.
type TxType string

const (
	TxRegular  TxType = "regular"
	TxPeerList TxType = "peer_list"
)

// Transaction is the atomic unit of work submitted to a channel.
// TxHash = H(channel || peer_id || timestamp || H(data)); Signature covers
// TxHash, not the raw fields, so re-signing never needs to re-hash Data.
type Transaction struct {
	TxHash       string          `json:"tx_hash"`
	Channel      string          `json:"channel"`
	PeerID       string          `json:"peer_id"`
	ScoreID      string          `json:"score_id"`
	ScoreVersion string          `json:"score_version"`
	Timestamp    int64           `json:"timestamp"` // unix nanoseconds
	Data         json.RawMessage `json:"data"`
	Signature    string          `json:"signature"`
	PublicKey    string          `json:"public_key"` // hex-encoded ed25519 pubkey
	Type         TxType          `json:"type"`
}

// ComputeHash returns the deterministic tx_hash per the data-model
// invariant: H(channel ‖ peer_id ‖ timestamp ‖ H(data)).
func (tx *Transaction) ComputeHash() string {
	dataHash := Hash(tx.Data)
	body := fmt.Sprintf("%s|%s|%d|%s", tx.Channel, tx.PeerID, tx.Timestamp, dataHash)
	return Hash([]byte(body))
}

// Sign sets TxHash and Signature using priv. PublicKey is derived from priv.
func (tx *Transaction) Sign(priv ed25519.PrivateKey) {
	tx.TxHash = tx.ComputeHash()
	pub := priv.Public().(ed25519.PublicKey)
	tx.PublicKey = hex.EncodeToString(pub)
	tx.Signature = hex.EncodeToString(ed25519.Sign(priv, []byte(tx.TxHash)))
}

// Verify recomputes TxHash and checks the signature against PublicKey.
// Called on every inbound transaction before admission to a channel's
// tx queue, and again per-transaction during block validation.
func (tx *Transaction) Verify() error {
	if tx.PublicKey == "" {
		return errors.New("transaction: missing public_key")
	}
	pub, err := hex.DecodeString(tx.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("transaction: invalid public_key: %w", err)
	}
	if computed := tx.ComputeHash(); computed != tx.TxHash {
		return fmt.Errorf("transaction: tx_hash mismatch: stored %s computed %s", tx.TxHash, computed)
	}
	sig, err := hex.DecodeString(tx.Signature)
	if err != nil {
		return fmt.Errorf("transaction: invalid signature hex: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(tx.TxHash), sig) {
		return errors.New("transaction: signature verification failed")
	}
	return nil
}

// NewTransaction builds an unsigned transaction stamped with the current
// time. Call Sign before broadcasting it.
func NewTransaction(channel, peerID, scoreID, scoreVersion string, typ TxType, data any) (*Transaction, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("transaction: marshal data: %w", err)
	}
	return &Transaction{
		Channel:      channel,
		PeerID:       peerID,
		ScoreID:      scoreID,
		ScoreVersion: scoreVersion,
		Timestamp:    time.Now().UnixNano(),
		Data:         raw,
		Type:         typ,
	}, nil
}
