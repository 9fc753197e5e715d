package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"go.uber.org/multierr"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/lib/logger"
)

var log, _ = logger.New("queue")

var (
	ErrQueueEmpty = errors.New("queue empty")
	ErrQueueFull  = errors.New("queue full")
)

const (
	queuePrefix   = "/queue"
	seqKey        = "/queue/seq"
	entriesPrefix = "/queue/entries"
	contentPrefix = "/queue/content"
	indexPrefix   = "/queue/index"
	leasesPrefix  = "/queue/leases"

	DefaultLeaseTTL = 5 * time.Minute
)

type Options struct {
	// MaxRows and MaxBytes bound the queue. Zero means unbounded.
	MaxRows  int64
	MaxBytes int64
	// LeaseTTL bounds how long a leased batch may stay unacknowledged
	// before recovery hands it out again.
	LeaseTTL    time.Duration
	Prioritizer Prioritizer
	Now         func() time.Time
}

type Stats struct {
	Rows       int64 `json:"rows"`
	Bytes      int64 `json:"bytes"`
	LeasedRows int64 `json:"leasedRows"`
	Leases     int64 `json:"leases"`
}

// Queue is a durable priority queue of records. All mutations are serialized
// by a single writer lock and applied as one datastore batch each.
type Queue struct {
	mu     sync.RWMutex
	store  ds.Batching
	owned  bool
	opts   Options
	nextID uint64
	stats  Stats
}

// Open opens a leveldb backed queue at path. The queue owns the store and
// closes it on Close.
func Open(ctx context.Context, path string, opts Options) (*Queue, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, err
	}

	q, err := New(ctx, store, opts)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}
	q.owned = true

	return q, nil
}

// New builds a queue on top of an existing store. Counters are rebuilt from
// the stored rows and entries pointing at a lease that no longer exists are
// returned to the pool.
func New(ctx context.Context, store ds.Batching, opts Options) (*Queue, error) {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.Prioritizer == nil {
		opts.Prioritizer = FIFO
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	q := &Queue{store: store, opts: opts}
	if err := q.restore(ctx); err != nil {
		return nil, err
	}

	log.Infow("queue opened", "rows", q.stats.Rows, "bytes", q.stats.Bytes, "leases", q.stats.Leases)
	return q, nil
}

func (q *Queue) restore(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.store.Get(ctx, ds.NewKey(seqKey))
	switch {
	case errors.Is(err, ds.ErrNotFound):
	case err != nil:
		return err
	case len(seq) == 8:
		q.nextID = binary.BigEndian.Uint64(seq)
	default:
		return fmt.Errorf("corrupt sequence value of %d bytes", len(seq))
	}

	leases, err := q.leases(ctx)
	if err != nil {
		return err
	}
	q.stats.Leases = int64(len(leases))

	live := make(map[string]bool, len(leases))
	for _, l := range leases {
		live[l.ID] = true
	}

	entries, err := q.entries(ctx)
	if err != nil {
		return err
	}

	b, err := q.store.Batch(ctx)
	if err != nil {
		return err
	}

	orphans := 0
	for _, e := range entries {
		q.stats.Rows++
		q.stats.Bytes += e.Size

		if e.ID >= q.nextID {
			q.nextID = e.ID + 1
		}

		if !e.Leased() {
			continue
		}

		if live[e.LeaseID] {
			q.stats.LeasedRows++
			continue
		}

		e.LeaseID = ""
		if err := q.putEntry(ctx, b, e); err != nil {
			return err
		}
		if err := b.Put(ctx, indexKey(e), nil); err != nil {
			return err
		}
		orphans++
	}

	if orphans > 0 {
		log.Warnw("released entries of missing leases", "entries", orphans)
	}

	return b.Commit(ctx)
}

// Enqueue stores rec with the priority and expiration its prioritizer
// assigns and returns the new entry id.
func (q *Queue) Enqueue(ctx context.Context, rec model.Record) (uint64, error) {
	content, err := readPayload(rec)
	if err != nil {
		return 0, err
	}

	priority, ttl := q.opts.Prioritizer.Prioritize(rec)

	q.mu.Lock()
	defer q.mu.Unlock()

	size := int64(len(content))
	if q.opts.MaxRows > 0 && q.stats.Rows+1 > q.opts.MaxRows {
		return 0, fmt.Errorf("%w: %d rows", ErrQueueFull, q.stats.Rows)
	}
	if q.opts.MaxBytes > 0 && q.stats.Bytes+size > q.opts.MaxBytes {
		return 0, fmt.Errorf("%w: %d of %d bytes used, record has %d", ErrQueueFull, q.stats.Bytes, q.opts.MaxBytes, size)
	}

	now := q.opts.Now()
	e := model.QueueEntry{
		ID:         q.nextID,
		Created:    now.UnixMilli(),
		Priority:   priority,
		Attributes: rec.Attributes(),
		Size:       size,
	}
	if ttl > 0 {
		e.Expiration = now.Add(ttl).UnixMilli()
	}

	b, err := q.store.Batch(ctx)
	if err != nil {
		return 0, err
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, e.ID+1)

	if err := b.Put(ctx, ds.NewKey(seqKey), seq); err != nil {
		return 0, err
	}
	if err := q.putEntry(ctx, b, e); err != nil {
		return 0, err
	}
	if err := b.Put(ctx, contentKey(e.ID), content); err != nil {
		return 0, err
	}
	if err := b.Put(ctx, indexKey(e), nil); err != nil {
		return 0, err
	}
	if err := b.Commit(ctx); err != nil {
		return 0, err
	}

	q.nextID++
	q.stats.Rows++
	q.stats.Bytes += size

	log.Debugw("enqueued", "id", e.ID, "priority", e.Priority, "size", e.Size)
	return e.ID, nil
}

// LeaseBatch checks out up to maxCount unleased entries whose cumulative size
// does not exceed maxBytes, lowest priority value first, then oldest, then by
// id. The first entry is always taken even when it alone exceeds maxBytes.
// Expired entries met on the way are dropped.
func (q *Queue) LeaseBatch(ctx context.Context, maxCount int, maxBytes int64) (string, []model.QueueEntry, error) {
	if maxCount <= 0 {
		return "", nil, fmt.Errorf("%w: max count must be positive", model.ErrUsage)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()

	b, err := q.store.Batch(ctx)
	if err != nil {
		return "", nil, err
	}

	var (
		selected []model.QueueEntry
		expired  []model.QueueEntry
		total    int64
	)

	err = q.scanIndex(ctx, func(e model.QueueEntry) (bool, error) {
		if e.IsExpired(now) {
			expired = append(expired, e)
			return true, nil
		}

		if len(selected) > 0 && maxBytes > 0 && total+e.Size > maxBytes {
			return false, nil
		}

		selected = append(selected, e)
		total += e.Size

		return len(selected) < maxCount, nil
	})
	if err != nil {
		return "", nil, err
	}

	for _, e := range expired {
		if err := q.dropEntry(ctx, b, e); err != nil {
			return "", nil, err
		}
	}

	if len(selected) == 0 {
		if err := b.Commit(ctx); err != nil {
			return "", nil, err
		}
		q.forget(expired)

		return "", nil, ErrQueueEmpty
	}

	lease := model.QueueLease{
		ID:         uuid.NewString(),
		Expiration: now.Add(q.opts.LeaseTTL).UnixMilli(),
		EntryIDs:   make([]uint64, 0, len(selected)),
	}

	for i := range selected {
		if err := b.Delete(ctx, indexKey(selected[i])); err != nil {
			return "", nil, err
		}

		selected[i].LeaseID = lease.ID
		if err := q.putEntry(ctx, b, selected[i]); err != nil {
			return "", nil, err
		}

		lease.EntryIDs = append(lease.EntryIDs, selected[i].ID)
	}

	lb, err := json.Marshal(lease)
	if err != nil {
		return "", nil, err
	}
	if err := b.Put(ctx, leaseKey(lease.ID), lb); err != nil {
		return "", nil, err
	}

	for i := range selected {
		content, err := q.store.Get(ctx, contentKey(selected[i].ID))
		if err != nil {
			return "", nil, fmt.Errorf("loading content of entry %d: %w", selected[i].ID, err)
		}
		selected[i].Content = content
	}

	if err := b.Commit(ctx); err != nil {
		return "", nil, err
	}

	q.forget(expired)
	q.stats.LeasedRows += int64(len(selected))
	q.stats.Leases++

	log.Debugw("leased batch", "lease", lease.ID, "entries", len(selected), "bytes", total, "expired", len(expired))
	return lease.ID, selected, nil
}

// Commit deletes the entries of a lease and the lease itself. Committing an
// unknown or already committed lease is a no-op.
func (q *Queue) Commit(ctx context.Context, leaseID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lease, found, err := q.getLease(ctx, leaseID)
	if err != nil || !found {
		return err
	}

	b, err := q.store.Batch(ctx)
	if err != nil {
		return err
	}

	var deleted []model.QueueEntry
	for _, id := range lease.EntryIDs {
		e, found, err := q.getEntry(ctx, id)
		if err != nil {
			return err
		}
		if !found || e.LeaseID != leaseID {
			continue
		}

		if err := b.Delete(ctx, entryKey(id)); err != nil {
			return err
		}
		if err := b.Delete(ctx, contentKey(id)); err != nil {
			return err
		}
		deleted = append(deleted, e)
	}

	if err := b.Delete(ctx, leaseKey(leaseID)); err != nil {
		return err
	}
	if err := b.Commit(ctx); err != nil {
		return err
	}

	q.forget(deleted)
	q.stats.LeasedRows -= int64(len(deleted))
	q.stats.Leases--

	log.Debugw("committed lease", "lease", leaseID, "entries", len(deleted))
	return nil
}

// Release returns the entries of a lease to the unleased pool. Releasing an
// unknown lease is a no-op.
func (q *Queue) Release(ctx context.Context, leaseID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.release(ctx, leaseID)
	return err
}

// RecoverAbandonedLeases releases every lease that expired before now and
// returns the number of entries made eligible again.
func (q *Queue) RecoverAbandonedLeases(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	leases, err := q.leases(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, l := range leases {
		if !l.IsExpired(now) {
			continue
		}

		n, err := q.release(ctx, l.ID)
		if err != nil {
			return recovered, err
		}

		log.Warnw("recovered abandoned lease", "lease", l.ID, "entries", n)
		recovered += n
	}

	return recovered, nil
}

// SweepExpired deletes unleased entries whose expiration passed.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []model.QueueEntry
	err := q.scanIndex(ctx, func(e model.QueueEntry) (bool, error) {
		if e.IsExpired(now) {
			expired = append(expired, e)
		}
		return true, nil
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}

	b, err := q.store.Batch(ctx)
	if err != nil {
		return 0, err
	}

	for _, e := range expired {
		if err := q.dropEntry(ctx, b, e); err != nil {
			return 0, err
		}
	}

	if err := b.Commit(ctx); err != nil {
		return 0, err
	}
	q.forget(expired)

	return len(expired), nil
}

func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.stats
}

// Lease returns the lease with the given id, if any.
func (q *Queue) Lease(ctx context.Context, leaseID string) (model.QueueLease, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.getLease(ctx, leaseID)
}

// Close flushes the queue and, when the queue opened the store itself,
// closes it.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.store.Sync(ctx, ds.NewKey(queuePrefix))
	if q.owned {
		err = multierr.Append(err, q.store.Close())
	}

	return err
}

func (q *Queue) release(ctx context.Context, leaseID string) (int, error) {
	lease, found, err := q.getLease(ctx, leaseID)
	if err != nil || !found {
		return 0, err
	}

	b, err := q.store.Batch(ctx)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range lease.EntryIDs {
		e, found, err := q.getEntry(ctx, id)
		if err != nil {
			return 0, err
		}
		if !found || e.LeaseID != leaseID {
			continue
		}

		e.LeaseID = ""
		if err := q.putEntry(ctx, b, e); err != nil {
			return 0, err
		}
		if err := b.Put(ctx, indexKey(e), nil); err != nil {
			return 0, err
		}
		released++
	}

	if err := b.Delete(ctx, leaseKey(leaseID)); err != nil {
		return 0, err
	}
	if err := b.Commit(ctx); err != nil {
		return 0, err
	}

	q.stats.LeasedRows -= int64(released)
	q.stats.Leases--

	return released, nil
}

// scanIndex walks unleased entries in priority order until f returns false.
func (q *Queue) scanIndex(ctx context.Context, f func(model.QueueEntry) (bool, error)) error {
	res, err := q.store.Query(ctx, dsq.Query{
		Prefix:   indexPrefix,
		KeysOnly: true,
		Orders:   []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			return nil
		}

		if r.Error != nil {
			return r.Error
		}

		id, err := strconv.ParseUint(ds.RawKey(r.Key).Name(), 16, 64)
		if err != nil {
			return fmt.Errorf("corrupt index key %q: %w", r.Key, err)
		}

		e, found, err := q.getEntry(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			log.Warnw("index points at missing entry", "id", id)
			continue
		}

		more, err := f(e)
		if err != nil || !more {
			return err
		}
	}
}

func (q *Queue) entries(ctx context.Context) ([]model.QueueEntry, error) {
	entries := make([]model.QueueEntry, 0)
	err := queryJSON(ctx, q.store, entriesPrefix, func(b []byte) error {
		var e model.QueueEntry
		if err := json.Unmarshal(b, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})

	return entries, err
}

func (q *Queue) leases(ctx context.Context) ([]model.QueueLease, error) {
	leases := make([]model.QueueLease, 0)
	err := queryJSON(ctx, q.store, leasesPrefix, func(b []byte) error {
		var l model.QueueLease
		if err := json.Unmarshal(b, &l); err != nil {
			return err
		}
		leases = append(leases, l)
		return nil
	})

	return leases, err
}

func (q *Queue) getEntry(ctx context.Context, id uint64) (model.QueueEntry, bool, error) {
	var e model.QueueEntry
	found, err := getJSON(ctx, q.store, entryKey(id), &e)
	return e, found, err
}

func (q *Queue) getLease(ctx context.Context, id string) (model.QueueLease, bool, error) {
	var l model.QueueLease
	found, err := getJSON(ctx, q.store, leaseKey(id), &l)
	return l, found, err
}

func (q *Queue) putEntry(ctx context.Context, b ds.Batch, e model.QueueEntry) error {
	v, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return b.Put(ctx, entryKey(e.ID), v)
}

func (q *Queue) dropEntry(ctx context.Context, b ds.Batch, e model.QueueEntry) error {
	if err := b.Delete(ctx, indexKey(e)); err != nil {
		return err
	}
	if err := b.Delete(ctx, entryKey(e.ID)); err != nil {
		return err
	}

	log.Infow("dropping expired entry", "id", e.ID, "expiration", e.Expiration)
	return b.Delete(ctx, contentKey(e.ID))
}

// forget subtracts deleted entries from the counters.
func (q *Queue) forget(entries []model.QueueEntry) {
	for _, e := range entries {
		q.stats.Rows--
		q.stats.Bytes -= e.Size
	}
}

func getJSON(ctx context.Context, store ds.Read, key ds.Key, v any) (bool, error) {
	b, err := store.Get(ctx, key)
	if errors.Is(err, ds.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, json.Unmarshal(b, v)
}

func queryJSON(ctx context.Context, store ds.Read, prefix string, f func([]byte) error) error {
	res, err := store.Query(ctx, dsq.Query{Prefix: prefix})
	if err != nil {
		return err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			return nil
		}

		if r.Error != nil {
			return r.Error
		}

		if err := f(r.Value); err != nil {
			return err
		}
	}
}

func readPayload(rec model.Record) ([]byte, error) {
	rc, err := rec.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, rec.Size()))
	if err != nil {
		return nil, err
	}

	if int64(len(content)) != rec.Size() {
		return nil, fmt.Errorf("%w: record declares %d bytes, payload has %d", model.ErrUsage, rec.Size(), len(content))
	}

	return content, nil
}

func entryKey(id uint64) ds.Key {
	return ds.NewKey(entriesPrefix).ChildString(fmt.Sprintf("%016x", id))
}

func contentKey(id uint64) ds.Key {
	return ds.NewKey(contentPrefix).ChildString(fmt.Sprintf("%016x", id))
}

// indexKey sorts by priority, creation time and id. Flipping the sign bit
// makes negative priorities sort before positive ones in hex.
func indexKey(e model.QueueEntry) ds.Key {
	return ds.NewKey(indexPrefix).ChildString(fmt.Sprintf("%016x/%016x/%016x",
		uint64(e.Priority)^(1<<63), uint64(e.Created), e.ID))
}

func leaseKey(id string) ds.Key {
	return ds.NewKey(leasesPrefix).ChildString(id)
}
