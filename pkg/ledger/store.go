package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store provides Pebble-based persistence for order slots and the custody
// balance. Thread-safe by construction: all writes go through the ledger's
// mutex, and every state-changing operation commits one atomic batch.
type Store struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAll rebuilds the full ledger state: every buyer's slot arena (with
// tombstones, so indices line up) and the custody balance.
func (s *Store) LoadAll() (map[common.Address][]*Order, int64, error) {
	prefix := orderPrefixAll()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open order iterator: %w", err)
	}
	defer iter.Close()

	type slot struct {
		index uint64
		order *Order
	}
	slots := make(map[common.Address][]slot)

	for iter.First(); iter.Valid(); iter.Next() {
		buyer, index, err := parseOrderKey(iter.Key())
		if err != nil {
			return nil, 0, err
		}
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal order %s/%d: %w", buyer.Hex(), index, err)
		}
		slots[buyer] = append(slots[buyer], slot{index: index, order: &o})
	}

	books := make(map[common.Address][]*Order, len(slots))
	for buyer, ss := range slots {
		sort.Slice(ss, func(i, j int) bool { return ss[i].index < ss[j].index })
		arena := make([]*Order, len(ss))
		for i, sl := range ss {
			if sl.index != uint64(i) {
				return nil, 0, fmt.Errorf("order index gap for %s: slot %d holds index %d", buyer.Hex(), i, sl.index)
			}
			arena[i] = sl.order
		}
		books[buyer] = arena
	}

	custody, err := s.loadCustody()
	if err != nil {
		return nil, 0, err
	}
	return books, custody, nil
}

func (s *Store) loadCustody() (int64, error) {
	data, closer, err := s.db.Get([]byte(keyCustody))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get custody balance: %w", err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("malformed custody record: %d bytes", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// Batch groups the writes of one ledger operation into a single atomic
// Pebble commit: the touched order slot plus the new custody balance either
// both land or neither does.
type Batch struct {
	batch *pebble.Batch
}

// NewBatch starts an atomic write batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

// SetOrder stages an order slot write (tombstones included).
func (b *Batch) SetOrder(buyer common.Address, index uint64, o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	return b.batch.Set(orderKey(buyer, index), data, nil)
}

// SetCustody stages the custody balance write.
func (b *Batch) SetCustody(custody int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(custody))
	return b.batch.Set([]byte(keyCustody), buf[:], nil)
}

// Commit writes the batch durably.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *Batch) Close() error {
	return b.batch.Close()
}
