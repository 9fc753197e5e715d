package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pyropy/s2s/core/client"
	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/core/queue"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run the sender, queue maintenance and local api until interrupted",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx, true)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		n, err := openNode(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := n.Close(context.Background()); err != nil {
				log.Errorw("shutdown", "error", err)
			}
		}()

		c, err := client.NewClient(cfg, n.queue, n.directory)
		if err != nil {
			return err
		}

		srv := &http.Server{Addr: cfg.APIAddr, Handler: newAPI(c, n.directory)}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return queue.NewMonitor(n.queue, cfg.MaintenanceInterval).Start(gctx)
		})
		g.Go(func() error {
			return c.Start(gctx)
		})
		g.Go(func() error {
			log.Infow("startup", "status", "api started", "address", cfg.APIAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()

			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			log.Infow("shutdown", "status", "api stopping", "address", cfg.APIAddr)
			return srv.Shutdown(sctx)
		})

		return g.Wait()
	},
}

var enqueueCmd = &cli.Command{
	Name:      "enqueue",
	Usage:     "Queue files, or stdin when no file is given",
	ArgsUsage: "[file...]",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "attr",
			Usage: "Attribute key=value added to every queued record",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx, false)
		if err != nil {
			return err
		}

		attrs, err := parseAttributes(cctx.StringSlice("attr"))
		if err != nil {
			return err
		}

		records, err := collectRecords(cctx.Args().Slice(), attrs, os.Stdin)
		if err != nil {
			return err
		}

		ctx := cctx.Context
		n, err := openNode(ctx, cfg)
		if err != nil {
			return err
		}
		defer n.Close(ctx)

		for _, rec := range records {
			id, err := n.queue.Enqueue(ctx, rec)
			if err != nil {
				return err
			}

			fmt.Println(id)
		}

		return nil
	},
}

var peersCmd = &cli.Command{
	Name:  "peers",
	Usage: "List known peers",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "refresh",
			Usage: "Ask the cluster for its peers first",
		},
	},
	Action: func(cctx *cli.Context) error {
		refresh := cctx.Bool("refresh")

		cfg, err := loadConfig(cctx, refresh)
		if err != nil {
			return err
		}

		ctx := cctx.Context
		n, err := openNode(ctx, cfg)
		if err != nil {
			return err
		}
		defer n.Close(ctx)

		if refresh {
			c, err := client.NewClient(cfg, n.queue, n.directory)
			if err != nil {
				return err
			}

			if err := c.RefreshPeers(ctx); err != nil {
				return err
			}
		}

		states := make([]model.PeerDirectoryState, 0)
		for _, cluster := range n.directory.Clusters() {
			states = append(states, n.directory.State(cluster))
		}

		return printJSON(os.Stdout, states)
	},
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "Print queue statistics",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx, false)
		if err != nil {
			return err
		}

		ctx := cctx.Context
		n, err := openNode(ctx, cfg)
		if err != nil {
			return err
		}
		defer n.Close(ctx)

		return printJSON(os.Stdout, n.queue.Stats())
	},
}

func parseAttributes(pairs []string) (map[string]string, error) {
	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: attribute %q is not key=value", model.ErrUsage, p)
		}
		attrs[k] = v
	}

	return attrs, nil
}

// collectRecords builds one record per file path, or a single record from
// stdin when paths is empty or "-".
func collectRecords(paths []string, attrs map[string]string, stdin io.Reader) ([]model.Record, error) {
	if len(paths) == 0 || (len(paths) == 1 && paths[0] == "-") {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}

		return []model.Record{model.NewBytesRecord(attrs, data)}, nil
	}

	records := make([]model.Record, 0, len(paths))
	for _, path := range paths {
		fr, err := model.NewFileRecord(path)
		if err != nil {
			return nil, err
		}

		if len(attrs) == 0 {
			records = append(records, fr)
			continue
		}

		data, err := model.ToRecordData(fr)
		if err != nil {
			return nil, err
		}
		for k, v := range attrs {
			data.Attributes[k] = v
		}

		records = append(records, data.Record())
	}

	return records, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
