package blockstore

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/tolelom/loopnode/chain"
	"github.com/tolelom/loopnode/errs"
)

// Keyspace prefixes. Heights are zero-padded to 20 decimal digits so
// goleveldb's lexical iteration order matches numeric height order.
const (
	prefixBlock   = "blk:"
	prefixHeight  = "hgt:"
	prefixTx      = "tx:"
	prefixInvoke  = "inv:"
	keyLastHash   = "meta:last_hash"
	keyLastHeight = "meta:last_height"
	keyTotalTx    = "meta:total_tx"
	keyPeerDump   = "peer_manager_key"
	keyPeerID     = "peer_id_key"
)

const heightDigits = 20

// txLocation is the per-transaction index record: which block a tx_hash
// landed in and at what position, so FindTx doesn't require a block scan.
type txLocation struct {
	BlockHash string `json:"block_hash"`
	Index     int    `json:"index"`
}

// InvokeResult is the outcome of applying a transaction's payload to a
// channel's score.Client, persisted alongside the block that confirmed it.
type InvokeResult struct {
	TxHash  string          `json:"tx_hash"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Store is the per-channel append-only ledger. Append is the single writer
// path; every read method takes the RWMutex's read lock, so reads never
// block each other and block only the (rare, single-threaded-per-channel)
// writer.
type Store struct {
	mu   sync.RWMutex
	dir  string
	db   DB
	last struct {
		hash   string
		height uint64
		set    bool
	}
	totalTx uint64
}

// Open opens (creating if absent) a Store rooted at dir and rebuilds its
// in-memory tip/counters from the on-disk hgt: index.
func Open(dir string) (*Store, error) {
	db, err := openLevelDB(dir)
	if err != nil {
		return nil, err
	}
	return newStore(dir, db)
}

// OpenWithDB wraps an already-constructed DB (e.g. testutil.MemDB) as a
// Store, bypassing LevelDB entirely. Such a Store has no directory, so
// Clear empties it by deleting its keys in place instead of removing and
// reopening a directory.
func OpenWithDB(db DB) (*Store, error) {
	return newStore("", db)
}

func newStore(dir string, db DB) (*Store, error) {
	s := &Store{dir: dir, db: db}
	if err := s.Rebuild(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func heightKey(h uint64) []byte {
	return []byte(fmt.Sprintf("%s%0*d", prefixHeight, heightDigits, h))
}

// Append commits block atomically: the block body, its height index, a
// per-tx locator for each confirmed transaction, and the updated tip
// counters all land in one goleveldb Batch, so a crash mid-write leaves
// the previous tip intact (goleveldb's write-ahead log fsyncs the batch
// before Write returns).
func (s *Store) Append(block *chain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block.IsGenesis() {
		if s.last.set {
			return fmt.Errorf("blockstore: append genesis onto non-empty store: %w", errs.ErrDuplicateHeight)
		}
	} else {
		if !s.last.set || block.Height != s.last.height+1 {
			return fmt.Errorf("blockstore: append height %d, expected %d: %w", block.Height, s.last.height+1, errs.ErrDuplicateHeight)
		}
		if block.PrevBlockHash != s.last.hash {
			return fmt.Errorf("blockstore: append prev_hash %s, expected %s: %w", block.PrevBlockHash, s.last.hash, errs.ErrHashMismatch)
		}
	}

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("blockstore: marshal block: %w", err)
	}

	batch := s.db.NewBatch()
	batch.Set([]byte(prefixBlock+block.BlockHash), data)
	batch.Set(heightKey(block.Height), []byte(block.BlockHash))

	totalTx := s.totalTx
	for i, tx := range block.ConfirmedTransactions {
		loc := txLocation{BlockHash: block.BlockHash, Index: i}
		locData, err := json.Marshal(loc)
		if err != nil {
			return fmt.Errorf("blockstore: marshal tx location: %w", err)
		}
		batch.Set([]byte(prefixTx+tx.TxHash), locData)
		totalTx++
	}

	batch.Set([]byte(keyLastHash), []byte(block.BlockHash))
	batch.Set([]byte(keyLastHeight), []byte(strconv.FormatUint(block.Height, 10)))
	batch.Set([]byte(keyTotalTx), []byte(strconv.FormatUint(totalTx, 10)))

	if err := batch.Write(); err != nil {
		return fmt.Errorf("blockstore: write batch: %w", err)
	}

	s.last.hash = block.BlockHash
	s.last.height = block.Height
	s.last.set = true
	s.totalTx = totalTx
	return nil
}

// FindByHash returns the block with the given hash.
func (s *Store) FindByHash(hash string) (*chain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.db.Get([]byte(prefixBlock + hash))
	if err != nil {
		return nil, err
	}
	var b chain.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("blockstore: unmarshal block %s: %w", hash, err)
	}
	return &b, nil
}

// FindByHeight returns the block at the given height.
func (s *Store) FindByHeight(height uint64) (*chain.Block, error) {
	s.mu.RLock()
	hash, err := s.db.Get(heightKey(height))
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return s.FindByHash(string(hash))
}

// FindTx returns the block hash and index at which tx_hash was confirmed.
func (s *Store) FindTx(txHash string) (blockHash string, index int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.db.Get([]byte(prefixTx + txHash))
	if err != nil {
		return "", 0, err
	}
	var loc txLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return "", 0, fmt.Errorf("blockstore: unmarshal tx location %s: %w", txHash, err)
	}
	return loc.BlockHash, loc.Index, nil
}

// PutInvokeResult records the score.Client outcome for txHash.
func (s *Store) PutInvokeResult(txHash string, result *InvokeResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("blockstore: marshal invoke result: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set([]byte(prefixInvoke+txHash), data)
}

// InvokeResult returns the score.Client outcome recorded for txHash.
func (s *Store) InvokeResult(txHash string) (*InvokeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.db.Get([]byte(prefixInvoke + txHash))
	if err != nil {
		return nil, err
	}
	var r InvokeResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("blockstore: unmarshal invoke result %s: %w", txHash, err)
	}
	return &r, nil
}

// LastHash and LastHeight report the current tip; ok is false on an empty
// store (before genesis is appended).
func (s *Store) LastHash() (hash string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last.hash, s.last.set
}

func (s *Store) LastHeight() (height uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last.height, s.last.set
}

// TotalTx returns the cumulative confirmed transaction count.
func (s *Store) TotalTx() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalTx
}

// PutPeerManagerDump persists the serialized PeerManager membership state.
func (s *Store) PutPeerManagerDump(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set([]byte(keyPeerDump), data)
}

// PeerManagerDump returns the last persisted PeerManager dump, or
// errs.ErrNotFound if none has been written yet.
func (s *Store) PeerManagerDump() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Get([]byte(keyPeerDump))
}

// PutPeerID persists this node's stable peer identity for the node-scoped
// store (never called on a per-channel Store).
func (s *Store) PutPeerID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set([]byte(keyPeerID), []byte(id))
}

// PeerID returns the persisted peer identity, or errs.ErrNotFound.
func (s *Store) PeerID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.db.Get([]byte(keyPeerID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Rebuild recomputes last_height/last_block_hash/total_tx from the on-disk
// hgt: index. It is the single authoritative recovery path and runs at
// Open; Clear resets the same counters itself rather than calling it.
func (s *Store) Rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.db.NewIterator([]byte(prefixHeight))
	defer it.Release()

	var maxHeight uint64
	var maxHash string
	found := false
	for it.Next() {
		hash := string(it.Value())
		heightStr := string(it.Key())[len(prefixHeight):]
		h, err := strconv.ParseUint(heightStr, 10, 64)
		if err != nil {
			return fmt.Errorf("blockstore: rebuild: malformed height key %q: %w", it.Key(), errs.ErrStoreCorrupt)
		}
		if !found || h > maxHeight {
			maxHeight, maxHash, found = h, hash, true
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("blockstore: rebuild: iterate heights: %w", err)
	}

	var totalTx uint64
	txIt := s.db.NewIterator([]byte(prefixTx))
	for txIt.Next() {
		totalTx++
	}
	txIt.Release()
	if err := txIt.Error(); err != nil {
		return fmt.Errorf("blockstore: rebuild: iterate tx index: %w", err)
	}

	s.last.set = found
	s.last.height = maxHeight
	s.last.hash = maxHash
	s.totalTx = totalTx
	return nil
}

// Clear discards all data and resets the store to empty — the
// ErrStoreCorrupt clear-and-resync path. For a disk-backed Store this
// removes the store directory entirely and reopens a fresh LevelDB; a
// Store opened with OpenWithDB (dir == "") clears the wrapped DB in place
// by dropping every key under the store's prefixes instead.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		for _, prefix := range [...]string{prefixBlock, prefixHeight, prefixTx, prefixInvoke} {
			it := s.db.NewIterator([]byte(prefix))
			var keys [][]byte
			for it.Next() {
				k := make([]byte, len(it.Key()))
				copy(k, it.Key())
				keys = append(keys, k)
			}
			it.Release()
			if err := it.Error(); err != nil {
				return fmt.Errorf("blockstore: clear: iterate %s: %w", prefix, err)
			}
			for _, k := range keys {
				if err := s.db.Delete(k); err != nil {
					return fmt.Errorf("blockstore: clear: delete %s: %w", k, err)
				}
			}
		}
		for _, k := range [...]string{keyLastHash, keyLastHeight, keyTotalTx} {
			_ = s.db.Delete([]byte(k))
		}
		s.last.set = false
		s.last.height = 0
		s.last.hash = ""
		s.totalTx = 0
		return nil
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("blockstore: close before clear: %w", err)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("blockstore: remove %s: %w", s.dir, err)
	}
	db, err := openLevelDB(s.dir)
	if err != nil {
		return fmt.Errorf("blockstore: reopen after clear: %w", err)
	}
	s.db = db
	s.last.set = false
	s.last.height = 0
	s.last.hash = ""
	s.totalTx = 0
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
