package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6555"`
	DBPath     string `env:"DB_PATH, default=windlass.db"`
	Dev        bool   `env:"DEV, default=false"`
}

type Pipelines struct {
	// Dir holds the pipeline definition files (one file per pipeline).
	Dir            string `env:"DIR, default=.windlass"`
	DefaultTimeout string `env:"DEFAULT_TIMEOUT, default=5m"`
	LogDir         string `env:"LOG_DIR, default=/var/log/windlass"`
	QueueSize      int    `env:"QUEUE_SIZE, default=100"`
	Workers        int    `env:"WORKERS, default=2"`
}

type Config struct {
	Server    Server    `env:",prefix=WINDLASS_SERVER_"`
	Pipelines Pipelines `env:",prefix=WINDLASS_PIPELINES_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
