package main

import (
	"context"
	"os"

	ds "github.com/ipfs/go-datastore"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/pyropy/s2s/core/client"
	"github.com/pyropy/s2s/core/peers"
	"github.com/pyropy/s2s/core/queue"
	"github.com/pyropy/s2s/lib/logger"
)

var log, _ = logger.New("s2s")

func main() {
	app := &cli.App{
		Name:  "s2s",
		Usage: "buffer records locally and deliver them to a site-to-site cluster",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "store",
				Usage: "Directory of the local queue and peer store, overrides S2S_STORE_PATH",
			},
			&cli.StringFlag{
				Name:  "api-addr",
				Usage: "Listen address of the local api, overrides S2S_API_ADDR",
			},
		},
		Commands: []*cli.Command{runCmd, enqueueCmd, peersCmd, statusCmd},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalw("s2s", "error", err)
	}
}

// node is the local state shared by all commands: one datastore holding the
// queue and the peer directory.
type node struct {
	cfg       *client.Config
	store     *dslvl.Datastore
	queue     *queue.Queue
	directory *peers.Directory
}

func loadConfig(cctx *cli.Context, validate bool) (*client.Config, error) {
	cfg, err := client.LoadConfig()
	if err != nil {
		return nil, err
	}

	if v := cctx.String("store"); v != "" {
		cfg.StorePath = v
	}
	if v := cctx.String("api-addr"); v != "" {
		cfg.APIAddr = v
	}

	if validate {
		return cfg, cfg.Validate()
	}

	return cfg, nil
}

func openNode(ctx context.Context, cfg *client.Config) (*node, error) {
	store, err := dslvl.NewDatastore(cfg.StorePath, nil)
	if err != nil {
		return nil, err
	}

	n := &node{cfg: cfg, store: store}

	opts, err := cfg.QueueOptions()
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	n.queue, err = queue.New(ctx, store, opts)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	n.directory = peers.NewDirectory(peers.NewStore(store))
	if err := n.directory.Load(ctx); err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	return n, nil
}

func (n *node) Close(ctx context.Context) error {
	return multierr.Combine(
		n.queue.Close(ctx),
		n.store.Sync(ctx, ds.NewKey("/")),
		n.store.Close(),
	)
}
