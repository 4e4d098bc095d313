package application

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/toolink/plug/plugin"
	"github.com/toolink/plug/pubsub"
)

// Config describes an application in yaml.
//
//	id: acme
//	home: /var/lib/acme
//	plugins:
//	  include: ["acme.*"]
//	  exclude: ["acme.experimental.*"]
//	  manifest: plugins.yaml
//	events:
//	  enabled: true
//	  redis:
//	    addr: localhost:6379
type Config struct {
	ID      string        `yaml:"id"`
	Home    string        `yaml:"home"`
	Plugins PluginsConfig `yaml:"plugins"`
	Events  EventsConfig  `yaml:"events"`
}

// PluginsConfig selects the plugins an application discovers.
type PluginsConfig struct {
	Include  []string `yaml:"include"`
	Exclude  []string `yaml:"exclude"`
	Manifest string   `yaml:"manifest"` // plugin manifest, relative to the config file
}

// EventsConfig turns on event mirroring. Events go to an in-process broker
// unless Redis is set.
type EventsConfig struct {
	Enabled   bool         `yaml:"enabled"`
	KeyPrefix string       `yaml:"key_prefix"`
	Redis     *RedisConfig `yaml:"redis"`
}

// RedisConfig addresses the redis server events are mirrored to.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoadConfig reads and validates the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read application config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Plugins.Manifest != "" && !filepath.IsAbs(cfg.Plugins.Manifest) {
		cfg.Plugins.Manifest = filepath.Join(filepath.Dir(path), cfg.Plugins.Manifest)
	}
	return cfg, nil
}

// ParseConfig decodes and validates a yaml config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateAndPrepare checks the config and fills in defaults.
func (c *Config) ValidateAndPrepare() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if c.Home == "" {
		c.Home = defaultHome(c.ID)
	}
	if _, err := plugin.NewFilter(c.Plugins.Include, c.Plugins.Exclude); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Events.Redis != nil {
		if c.Events.Redis.Addr == "" {
			return fmt.Errorf("%w: events.redis.addr is required", ErrInvalidConfig)
		}
		c.Events.Enabled = true
	}
	if c.Events.KeyPrefix == "" {
		c.Events.KeyPrefix = pubsub.DefaultKeyPrefix
	}
	return nil
}

// NewFromConfig creates an application from cfg. Options are applied after
// the ones derived from cfg. Plugins listed in the manifest are discovered
// through the application's import manager, so symbols they name must be
// registered with it (see WithImportManager) or live in shared objects.
//
// The caller must Close the application to release the broker it creates.
func NewFromConfig(cfg *Config, opts ...Option) (*Application, error) {
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}

	var (
		client *redis.Client
		broker *pubsub.Broker
	)
	if cfg.Events.Enabled {
		brokerOpts := []pubsub.BrokerOption{pubsub.WithKeyPrefix(cfg.Events.KeyPrefix)}
		if r := cfg.Events.Redis; r != nil {
			client = redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
			brokerOpts = append(brokerOpts, pubsub.WithRedisClient(client))
		}
		broker = pubsub.New(brokerOpts...)
	}

	base := []Option{
		WithID(cfg.ID),
		WithHome(cfg.Home),
		WithManagerOptions(plugin.WithInclude(cfg.Plugins.Include...), plugin.WithExclude(cfg.Plugins.Exclude...)),
	}
	if broker != nil {
		base = append(base, WithBroker(broker))
	}
	app, err := New(append(base, opts...)...)
	if err != nil {
		if broker != nil {
			_ = broker.Close()
		}
		if client != nil {
			_ = client.Close()
		}
		return nil, err
	}
	if broker != nil && app.broker != broker {
		// replaced by WithBroker
		_ = broker.Close()
		if client != nil {
			_ = client.Close()
		}
	} else {
		app.ownsBroker = broker != nil
		app.redisClient = client
	}

	if cfg.Plugins.Manifest != "" {
		src, err := plugin.LoadManifest(cfg.Plugins.Manifest, app.ImportManager())
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		if err := app.Discover(src); err != nil {
			_ = app.Close()
			return nil, err
		}
	}

	log.Info().Str("application", app.id).Bool("events", broker != nil).Msg("application configured")
	return app, nil
}
