package peers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/lib/cmap"
	"github.com/pyropy/s2s/lib/logger"
)

var log, _ = logger.New("peers")

var (
	ErrNoPeersAvailable = errors.New("no peers available")
)

// SelectPeer returns the peer that failed longest ago (or never), then the
// least loaded one, with a stable lexicographic tiebreak.
func SelectPeer(state model.PeerDirectoryState) (model.Peer, error) {
	if len(state.Peers) == 0 {
		return model.Peer{}, ErrNoPeersAvailable
	}

	candidates := append([]model.Peer(nil), state.Peers...)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Compare(candidates[j]) < 0
	})

	return candidates[0], nil
}

// IsRefreshDue reports whether the peer list should be fetched again.
func IsRefreshDue(state model.PeerDirectoryState, refreshInterval time.Duration, now time.Time) bool {
	if state.LastRefresh == 0 {
		return true
	}

	return now.Sub(time.UnixMilli(state.LastRefresh)) >= refreshInterval
}

// ApplyRefresh returns a new snapshot holding newPeers.
func ApplyRefresh(state model.PeerDirectoryState, newPeers []model.Peer, now time.Time) model.PeerDirectoryState {
	return model.PeerDirectoryState{
		Cluster:     state.Cluster,
		Peers:       append([]model.Peer(nil), newPeers...),
		LastRefresh: now.UnixMilli(),
	}
}

// MarkFailure returns a new snapshot where every entry for peer's node has
// its last failure set to now.
func MarkFailure(state model.PeerDirectoryState, peer model.Peer, now time.Time) model.PeerDirectoryState {
	peers := make([]model.Peer, len(state.Peers))
	for i, p := range state.Peers {
		if p.SameNode(peer) {
			p.LastFailure = now.UnixMilli()
		}
		peers[i] = p
	}

	return model.PeerDirectoryState{
		Cluster:     state.Cluster,
		Peers:       peers,
		LastRefresh: state.LastRefresh,
	}
}

// Directory keeps one immutable snapshot per cluster. Readers load a whole
// snapshot; writers are serialized and replace the snapshot in one store.
type Directory struct {
	mu     sync.Mutex
	states cmap.Map[string, model.PeerDirectoryState]
	store  *Store
	now    func() time.Time
}

// NewDirectory creates a directory. store may be nil, in which case
// snapshots live in memory only.
func NewDirectory(store *Store) *Directory {
	return &Directory{
		states: cmap.NewMap[string, model.PeerDirectoryState](),
		store:  store,
		now:    time.Now,
	}
}

// Load restores persisted snapshots.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	states, err := d.store.All(ctx)
	if err != nil {
		return err
	}

	for _, s := range states {
		d.states.Set(s.Cluster, s)
	}

	log.Infow("peer directory loaded", "clusters", len(states))
	return nil
}

// State returns the current snapshot for cluster.
func (d *Directory) State(cluster string) model.PeerDirectoryState {
	s, ok := d.states.Get(cluster)
	if !ok {
		return model.PeerDirectoryState{Cluster: cluster}
	}

	return *s
}

func (d *Directory) Clusters() []string {
	return d.states.Keys()
}

func (d *Directory) Select(cluster string) (model.Peer, error) {
	return SelectPeer(d.State(cluster))
}

func (d *Directory) IsRefreshDue(cluster string, refreshInterval time.Duration) bool {
	return IsRefreshDue(d.State(cluster), refreshInterval, d.now())
}

// Refresh replaces the peer list of cluster.
func (d *Directory) Refresh(ctx context.Context, cluster string, peers []model.Peer) error {
	return d.update(ctx, cluster, func(s model.PeerDirectoryState) model.PeerDirectoryState {
		return ApplyRefresh(s, peers, d.now())
	})
}

// MarkFailure records a failed attempt against peer.
func (d *Directory) MarkFailure(ctx context.Context, cluster string, peer model.Peer) error {
	return d.update(ctx, cluster, func(s model.PeerDirectoryState) model.PeerDirectoryState {
		return MarkFailure(s, peer, d.now())
	})
}

func (d *Directory) update(ctx context.Context, cluster string, f func(model.PeerDirectoryState) model.PeerDirectoryState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := f(d.State(cluster))
	next.Cluster = cluster

	if d.store != nil {
		if err := d.store.Save(ctx, next); err != nil {
			return err
		}
	}

	d.states.Set(cluster, next)
	return nil
}
