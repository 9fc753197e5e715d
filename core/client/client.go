package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/core/peers"
	"github.com/pyropy/s2s/core/queue"
	"github.com/pyropy/s2s/core/transaction"
	"github.com/pyropy/s2s/lib/logger"
)

var log, _ = logger.New("client")

// cancelTimeout bounds the best effort cancel sent after a failed transfer.
const cancelTimeout = 5 * time.Second

// Client drains the queue into the remote cluster: refresh peers when due,
// select a peer, lease a batch, transfer it, then commit or release.
type Client struct {
	cfg        *Config
	queue      *queue.Queue
	directory  *peers.Directory
	discoverer *peers.Discoverer
	httpClient *http.Client
	bootstrap  model.Peer

	mu     sync.Mutex
	portID string
	open   transaction.Factory
}

func NewClient(cfg *Config, q *queue.Queue, directory *peers.Directory) (*Client, error) {
	bootstrap, err := model.PeerFromURL(cfg.BootstrapURL)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{}

	return &Client{
		cfg:        cfg,
		queue:      q,
		directory:  directory,
		discoverer: peers.NewDiscoverer(httpClient, cfg.APIPath, cfg.Timeout),
		httpClient: httpClient,
		bootstrap:  bootstrap,
		portID:     cfg.PortID,
	}, nil
}

// Cluster is the key of the remote cluster in the peer directory.
func (c *Client) Cluster() string {
	return c.cfg.BootstrapURL
}

func (c *Client) Enqueue(ctx context.Context, rec model.Record) (uint64, error) {
	return c.queue.Enqueue(ctx, rec)
}

// Start sends batches every send interval until ctx is cancelled. Each tick
// keeps sending until the queue is empty or a transfer fails.
func (c *Client) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SendInterval)
	defer ticker.Stop()

	log.Infow("starting sender", "cluster", c.Cluster(), "transport", c.cfg.Transport, "interval", c.cfg.SendInterval)

	for {
		select {
		case <-ctx.Done():
			log.Infow("shutting down sender")
			return nil
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

func (c *Client) drain(ctx context.Context) {
	for ctx.Err() == nil {
		_, err := c.SendBatch(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, queue.ErrQueueEmpty):
		case errors.Is(err, peers.ErrNoPeersAvailable):
			log.Warnw("no peers available", "cluster", c.Cluster())
		default:
			log.Errorw("transfer failed", "cluster", c.Cluster(), "error", err)
		}

		return
	}
}

// SendBatch transfers one leased batch. It returns queue.ErrQueueEmpty when
// there is nothing to send.
func (c *Client) SendBatch(ctx context.Context) (*transaction.TransferOutcome, error) {
	if c.directory.IsRefreshDue(c.Cluster(), c.cfg.RefreshInterval) {
		if err := c.RefreshPeers(ctx); err != nil {
			log.Warnw("peer refresh failed", "cluster", c.Cluster(), "error", err)
		}
	}

	peer, err := c.directory.Select(c.Cluster())
	if err != nil {
		return nil, err
	}

	open, err := c.factory(ctx)
	if err != nil {
		return nil, err
	}

	leaseID, entries, err := c.queue.LeaseBatch(ctx, c.cfg.BatchCount, c.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	outcome, err := c.transfer(ctx, open, peer, entries)
	if err != nil {
		if errors.Is(err, model.ErrConnectivity) {
			if ferr := c.directory.MarkFailure(ctx, c.Cluster(), peer); ferr != nil {
				log.Warnw("recording peer failure", "peer", peer.String(), "error", ferr)
			}
		}

		if rerr := c.queue.Release(ctx, leaseID); rerr != nil {
			log.Errorw("releasing lease", "lease", leaseID, "error", rerr)
		}

		return nil, fmt.Errorf("sending %d records to %s: %w", len(entries), peer.String(), err)
	}

	if err := c.queue.Commit(ctx, leaseID); err != nil {
		return outcome, err
	}

	log.Infow("batch delivered", "peer", peer.String(), "records", outcome.RecordsSent, "code", outcome.Code.Token)
	return outcome, nil
}

func (c *Client) transfer(ctx context.Context, open transaction.Factory, peer model.Peer, entries []model.QueueEntry) (*transaction.TransferOutcome, error) {
	tx, err := open(ctx, peer)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if err := tx.Send(ctx, entries[i].Record()); err != nil {
			abandon(tx, err)
			return nil, err
		}
	}

	if err := tx.Confirm(ctx); err != nil {
		abandon(tx, err)
		return nil, err
	}

	return tx.Complete(ctx)
}

// abandon cancels tx unless the failure already closed it.
func abandon(tx transaction.Transaction, cause error) {
	if tx.State().Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	if _, err := tx.Cancel(ctx, cause.Error()); err != nil {
		log.Warnw("cancel after failure", "error", err)
	}
}

// RefreshPeers asks the bootstrap node for the cluster's peers, falling back
// to already known peers when it is unreachable.
func (c *Client) RefreshPeers(ctx context.Context) error {
	nodes := []model.Peer{c.bootstrap}
	for _, p := range c.directory.State(c.Cluster()).Peers {
		if !p.SameNode(c.bootstrap) {
			nodes = append(nodes, model.Peer{Hostname: p.Hostname, HTTPPort: p.HTTPPort, Secure: p.Secure})
		}
	}

	var lastErr error
	for _, node := range nodes {
		found, err := c.discoverer.FetchPeers(ctx, node)
		if err != nil {
			log.Warnw("peer discovery failed", "node", node.String(), "error", err)
			lastErr = err
			continue
		}

		log.Infow("peers refreshed", "cluster", c.Cluster(), "node", node.String(), "peers", len(found))
		return c.directory.Refresh(ctx, c.Cluster(), found)
	}

	return lastErr
}

// factory returns the transaction factory, resolving the port id by name on
// first use.
func (c *Client) factory(ctx context.Context) (transaction.Factory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open != nil {
		return c.open, nil
	}

	if c.portID == "" {
		id, err := c.discoverer.LookupPortID(ctx, c.bootstrap, c.cfg.PortName)
		if err != nil {
			return nil, err
		}

		log.Infow("resolved port", "name", c.cfg.PortName, "id", id)
		c.portID = id
	}

	txCfg := c.cfg.TransactionConfig(c.portID)
	switch c.cfg.Transport {
	case TransportSocket:
		c.open = transaction.NewSocketFactory(txCfg)
	default:
		c.open = transaction.NewHTTPFactory(c.httpClient, txCfg)
	}

	return c.open, nil
}

// Status is a point in time view of the client.
type Status struct {
	Cluster string                   `json:"cluster"`
	Queue   queue.Stats              `json:"queue"`
	Peers   model.PeerDirectoryState `json:"peers"`
}

func (c *Client) Status() Status {
	return Status{
		Cluster: c.Cluster(),
		Queue:   c.queue.Stats(),
		Peers:   c.directory.State(c.Cluster()),
	}
}
