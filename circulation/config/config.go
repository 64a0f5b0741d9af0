package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/kelseyhightower/envconfig"

	"github.com/Astemirdum/library-circulation/circulation/internal/lifecycle"
	"github.com/Astemirdum/library-circulation/pkg/circuit_breaker"
	"github.com/Astemirdum/library-circulation/pkg/kafka"
	"github.com/Astemirdum/library-circulation/pkg/logger"
	"github.com/Astemirdum/library-circulation/pkg/postgres"
)

type HTTPServer struct {
	Host         string        `envconfig:"CIRCULATION_HTTP_HOST" default:"0.0.0.0"`
	Port         string        `envconfig:"CIRCULATION_HTTP_PORT" default:"8060"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ" default:"10s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE"`
}

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Server   HTTPServer
	Database postgres.DB
	Kafka    kafka.Config
	Breaker  circuit_breaker.Config
	Log      logger.Log
	Lending  lifecycle.Policy

	StorageDriver string        `envconfig:"STORAGE_DRIVER"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
}

var (
	once sync.Once
	cfg  *Config
)

// NewConfig reads config from environment. The environment wins over ops.
func NewConfig(ops ...Option) *Config {
	once.Do(func() {
		var config Config
		for _, op := range ops {
			op(&config)
		}
		if err := envconfig.Process("", &config); err != nil {
			log.Fatal("NewConfig ", err)
		}
		if err := config.validate(); err != nil {
			log.Fatal("NewConfig ", err)
		}
		cfg = &config
		printConfig(cfg)
	})

	return cfg
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case "":
		c.StorageDriver = StoragePostgres
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.Lending.LoanPeriodDays < 0 || c.Lending.DailyRate < 0 {
		return fmt.Errorf("lending policy must not be negative: %+v", c.Lending)
	}
	return nil
}

func printConfig(cfg *Config) {
	masked := *cfg
	masked.Database.Password = "***"
	jscfg, _ := jsoniter.MarshalIndent(masked, "", "	") //nolint:errcheck
	fmt.Println(string(jscfg))
}
