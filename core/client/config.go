package client

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/pyropy/s2s/core/model"
	"github.com/pyropy/s2s/core/queue"
	"github.com/pyropy/s2s/core/transaction"
)

const (
	TransportHTTP   = "http"
	TransportSocket = "socket"
)

// Config is read from S2S_* environment variables.
type Config struct {
	BootstrapURL    string        `envconfig:"BOOTSTRAP_URL"`
	PortName        string        `envconfig:"PORT_NAME"`
	PortID          string        `envconfig:"PORT_ID"`
	Transport       string        `envconfig:"TRANSPORT" default:"http"`
	APIPath         string        `envconfig:"API_PATH" default:"/nifi-api"`
	Timeout         time.Duration `envconfig:"TIMEOUT" default:"30s"`
	RefreshInterval time.Duration `envconfig:"PEER_REFRESH_INTERVAL" default:"1m"`

	BatchCount        int           `envconfig:"BATCH_COUNT" default:"100"`
	BatchSize         int64         `envconfig:"BATCH_SIZE" default:"1048576"`
	BatchDuration     time.Duration `envconfig:"BATCH_DURATION"`
	RequestExpiration time.Duration `envconfig:"REQUEST_EXPIRATION"`
	UseCompression    *bool         `envconfig:"USE_COMPRESSION"`

	StorePath           string        `envconfig:"STORE_PATH" default:"./s2s-data"`
	MaxRows             int64         `envconfig:"QUEUE_MAX_ROWS" default:"10000"`
	MaxBytes            int64         `envconfig:"QUEUE_MAX_BYTES" default:"1073741824"`
	LeaseTTL            time.Duration `envconfig:"QUEUE_LEASE_TTL" default:"5m"`
	Prioritizer         string        `envconfig:"QUEUE_PRIORITIZER" default:"fifo"`
	MaintenanceInterval time.Duration `envconfig:"QUEUE_MAINTENANCE_INTERVAL" default:"1m"`

	SendInterval time.Duration `envconfig:"SEND_INTERVAL" default:"5s"`
	APIAddr      string        `envconfig:"API_ADDR" default:"localhost:8089"`
}

// LoadConfig reads the environment without validating the cluster settings,
// for commands that only touch the local store.
func LoadConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("s2s", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func GetConfig() (*Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if _, err := model.PeerFromURL(c.BootstrapURL); err != nil {
		return err
	}

	if c.PortName == "" && c.PortID == "" {
		return fmt.Errorf("%w: one of port name or port id is required", model.ErrUsage)
	}

	if c.Transport != TransportHTTP && c.Transport != TransportSocket {
		return fmt.Errorf("%w: unknown transport %q", model.ErrUsage, c.Transport)
	}

	if c.BatchCount <= 0 {
		return fmt.Errorf("%w: batch count must be positive", model.ErrUsage)
	}

	if c.SendInterval <= 0 || c.MaintenanceInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive", model.ErrUsage)
	}

	_, err := queue.LookupPrioritizer(c.Prioritizer)
	return err
}

// QueueOptions maps the queue settings onto queue.Options.
func (c *Config) QueueOptions() (queue.Options, error) {
	p, err := queue.LookupPrioritizer(c.Prioritizer)
	if err != nil {
		return queue.Options{}, err
	}

	return queue.Options{
		MaxRows:     c.MaxRows,
		MaxBytes:    c.MaxBytes,
		LeaseTTL:    c.LeaseTTL,
		Prioritizer: p,
	}, nil
}

// TransactionConfig maps the handshake settings for portID.
func (c *Config) TransactionConfig(portID string) transaction.Config {
	return transaction.Config{
		PortID:            portID,
		BatchCount:        c.BatchCount,
		BatchSize:         c.BatchSize,
		BatchDuration:     c.BatchDuration,
		RequestExpiration: c.RequestExpiration,
		UseCompression:    c.UseCompression,
		Timeout:           c.Timeout,
		APIPath:           c.APIPath,
	}
}
