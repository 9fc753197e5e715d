package peers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/lib/utils"
	"github.com/pyropy/s2s/rpc/s2s"
)

var (
	ErrPortNotFound = errors.New("port not found")
)

// Discoverer asks one known node of a cluster about the cluster.
type Discoverer struct {
	client  *http.Client
	apiPath string
	timeout time.Duration
}

func NewDiscoverer(client *http.Client, apiPath string, timeout time.Duration) *Discoverer {
	return &Discoverer{client: client, apiPath: apiPath, timeout: timeout}
}

// Controller fetches the site-to-site details of the node.
func (d *Discoverer) Controller(ctx context.Context, node model.Peer) (*s2s.Controller, error) {
	var entity s2s.ControllerEntity
	if err := d.get(ctx, node.BaseURL(d.apiPath)+"/site-to-site", &entity); err != nil {
		return nil, err
	}

	if entity.Controller == nil {
		return nil, fmt.Errorf("%w: site-to-site response without controller", model.ErrProtocolViolation)
	}

	return entity.Controller, nil
}

// FetchPeers returns the cluster's peers as reported by node. Entries missing
// a field are dropped with a warning. The raw port and security of the
// cluster come from the node's controller details.
func (d *Discoverer) FetchPeers(ctx context.Context, node model.Peer) ([]model.Peer, error) {
	controller, err := d.Controller(ctx, node)
	if err != nil {
		return nil, err
	}

	var entity s2s.PeersEntity
	if err := d.get(ctx, node.BaseURL(d.apiPath)+"/site-to-site/peers", &entity); err != nil {
		return nil, err
	}

	rawPort := 0
	if controller.RemoteSiteListeningPort != nil {
		rawPort = *controller.RemoteSiteListeningPort
	}

	peers := make([]model.Peer, 0, len(entity.Peers))
	for i, dto := range entity.Peers {
		if dto.Hostname == nil || dto.Port == nil || dto.Secure == nil || dto.FlowFileCount == nil {
			log.Warnw("dropping incomplete peer", "node", node.String(), "index", i)
			continue
		}

		peers = append(peers, model.Peer{
			Hostname: *dto.Hostname,
			HTTPPort: *dto.Port,
			RawPort:  rawPort,
			Secure:   *dto.Secure,
			Load:     *dto.FlowFileCount,
		})
	}

	return utils.Unique(peers), nil
}

// LookupPortID resolves an input port name to its id.
func (d *Discoverer) LookupPortID(ctx context.Context, node model.Peer, name string) (string, error) {
	controller, err := d.Controller(ctx, node)
	if err != nil {
		return "", err
	}

	for _, p := range controller.InputPorts {
		if p.Name == name {
			return p.ID, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrPortNotFound, name)
}

func (d *Discoverer) get(ctx context.Context, url string, v any) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: GET %s returned %d: %s", model.ErrProtocolViolation, url, resp.StatusCode, b)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", model.ErrProtocolViolation, url, err)
	}

	return nil
}
