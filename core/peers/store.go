package peers

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/pyropy/s2s/core/model"
)

const peersPrefix = "/peers"

// Store persists directory snapshots as JSON, one key per cluster.
type Store struct {
	ds ds.Datastore
}

func NewStore(d ds.Datastore) *Store {
	return &Store{ds: d}
}

func clusterKey(cluster string) ds.Key {
	return ds.NewKey(peersPrefix).ChildString(url.PathEscape(cluster))
}

func (s *Store) Save(ctx context.Context, state model.PeerDirectoryState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return s.ds.Put(ctx, clusterKey(state.Cluster), b)
}

// Get returns the snapshot for cluster, or false when none was stored.
func (s *Store) Get(ctx context.Context, cluster string) (model.PeerDirectoryState, bool, error) {
	b, err := s.ds.Get(ctx, clusterKey(cluster))
	if errors.Is(err, ds.ErrNotFound) {
		return model.PeerDirectoryState{}, false, nil
	}
	if err != nil {
		return model.PeerDirectoryState{}, false, err
	}

	var state model.PeerDirectoryState
	if err := json.Unmarshal(b, &state); err != nil {
		return model.PeerDirectoryState{}, false, err
	}

	return state, true, nil
}

func (s *Store) All(ctx context.Context) ([]model.PeerDirectoryState, error) {
	states := make([]model.PeerDirectoryState, 0)

	res, err := s.ds.Query(ctx, dsq.Query{Prefix: peersPrefix})
	if err != nil {
		return states, err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}

		if r.Error != nil {
			return states, r.Error
		}

		var state model.PeerDirectoryState
		if err := json.Unmarshal(r.Value, &state); err != nil {
			return states, err
		}
		states = append(states, state)
	}

	return states, nil
}
