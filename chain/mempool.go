package chain

import (
	"fmt"
	"time"
)

const (
	maxMempoolSize = 10_000
	maxTxAge       = int64(time.Hour)       // reject tx older than 1h
	maxTxFuture    = int64(5 * time.Minute) // reject tx more than 5m in the future
)

// TxQueue is a channel's FIFO of pending, admitted transactions (no
// internal locking; see Add) — "txQueue" in spec §4.6. Consumption is strictly FIFO
// (spec §5 ordering guarantee); admission re-validates the signature so a
// tampered tx can never enter the queue.
type TxQueue struct {
	txs map[string]*Transaction
	ord []string
}

// NewTxQueue creates an empty queue.
func NewTxQueue() *TxQueue {
	return &TxQueue{txs: make(map[string]*Transaction)}
}

// Add validates and enqueues tx. Not safe for concurrent use by itself —
// callers (consensus.Manager) serialize access through their own channel
// loop, matching spec §5's "single writer" rule for per-channel state.
func (q *TxQueue) Add(tx *Transaction) error {
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("mempool: invalid tx signature: %w", err)
	}
	now := time.Now().UnixNano()
	if now-tx.Timestamp > maxTxAge {
		return fmt.Errorf("mempool: transaction expired")
	}
	if tx.Timestamp-now > maxTxFuture {
		return fmt.Errorf("mempool: transaction timestamp too far in the future")
	}
	if len(q.txs) >= maxMempoolSize {
		return fmt.Errorf("mempool: full")
	}
	if _, exists := q.txs[tx.TxHash]; exists {
		return fmt.Errorf("mempool: tx already queued")
	}
	q.txs[tx.TxHash] = tx
	q.ord = append(q.ord, tx.TxHash)
	return nil
}

// Drain removes and returns up to n transactions, stopping early if the
// next transaction would push the running serialized size over maxBytes
// (it is deferred to the next block rather than dropped). Matches spec
// §4.6 leader block-assembly bound.
func (q *TxQueue) Drain(n int, maxBytes int) []*Transaction {
	result := make([]*Transaction, 0, n)
	size := 0
	taken := make([]string, 0, n)
	for _, id := range q.ord {
		if len(result) >= n {
			break
		}
		tx, ok := q.txs[id]
		if !ok {
			continue
		}
		txSize := len(tx.Data) + len(tx.TxHash) + len(tx.Signature) + len(tx.PublicKey)
		if size+txSize > maxBytes {
			break // defer to next block
		}
		size += txSize
		result = append(result, tx)
		taken = append(taken, id)
	}
	for _, id := range taken {
		delete(q.txs, id)
	}
	q.ord = q.ord[len(taken):]
	return result
}

// Requeue puts txs back at the head of the queue, preserving their
// relative order. consensus.Manager calls it when a block it has just
// drained cannot be opened as a candidate or committed locally; the txs of
// a candidate that later fails quorum are dropped, not requeued.
func (q *TxQueue) Requeue(txs []*Transaction) {
	if len(txs) == 0 {
		return
	}
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		if _, exists := q.txs[tx.TxHash]; exists {
			continue
		}
		q.txs[tx.TxHash] = tx
		ids = append(ids, tx.TxHash)
	}
	q.ord = append(ids, q.ord...)
}

// Size returns the number of pending transactions.
func (q *TxQueue) Size() int { return len(q.txs) }
