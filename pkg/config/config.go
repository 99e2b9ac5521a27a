// Package config loads the mount's settings from an optional YAML file
// overlaid with environment variables.
package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

// Config is the full runtime configuration. Every field has a workable
// default except Mountpoint, which must be supplied.
type Config struct {
	// DaemonURL is the base URL of the rqbit daemon's HTTP API.
	DaemonURL  string `yaml:"daemon_url" env:"RQFS_DAEMON_URL" env-default:"http://127.0.0.1:3030"`
	Mountpoint string `yaml:"mountpoint" env:"RQFS_MOUNTPOINT"`
	AllowOther bool   `yaml:"allow_other" env:"RQFS_ALLOW_OTHER" env-default:"false"`

	// Stream policy.
	ChunkSize            int           `yaml:"chunk_size" env:"RQFS_CHUNK_SIZE" env-default:"262144"`
	ForwardSeekThreshold int64         `yaml:"forward_seek_threshold" env:"RQFS_FORWARD_SEEK_THRESHOLD" env-default:"4194304"`
	IdleStreamTimeout    time.Duration `yaml:"idle_stream_timeout" env:"RQFS_IDLE_STREAM_TIMEOUT" env-default:"1h"`

	// Bridge policy.
	BridgeQueueSize int           `yaml:"bridge_queue_size" env:"RQFS_BRIDGE_QUEUE_SIZE" env-default:"64"`
	BridgeWorkers   int           `yaml:"bridge_workers" env:"RQFS_BRIDGE_WORKERS" env-default:"8"`
	BridgeTimeout   time.Duration `yaml:"bridge_timeout" env:"RQFS_BRIDGE_TIMEOUT" env-default:"30s"`

	// Metadata freshness.
	PollInterval time.Duration `yaml:"poll_interval" env:"RQFS_POLL_INTERVAL" env-default:"10s"`
	MetadataTTL  time.Duration `yaml:"metadata_ttl" env:"RQFS_METADATA_TTL" env-default:"5s"`

	// Kernel cache lifetimes.
	EntryTimeout time.Duration `yaml:"entry_timeout" env:"RQFS_ENTRY_TIMEOUT" env-default:"1s"`
	AttrTimeout  time.Duration `yaml:"attr_timeout" env:"RQFS_ATTR_TIMEOUT" env-default:"1s"`
}

// Load reads the configuration, from path if non-empty, then from the
// environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, errors.Wrapf(err, "reading config file [%s]", path)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, errors.Wrap(err, "reading config from environment")
	}
	return &cfg, nil
}
