package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/escrow-services/configs"
	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/avvvet/escrow-services/internal/escrowsvc/broker"
	"github.com/avvvet/escrow-services/internal/escrowsvc/store"
	"github.com/avvvet/escrow-services/internal/keeper"
	natscli "github.com/avvvet/escrow-services/internal/nats"
)

const SERVICE_NAME = "ctl"

var instanceId string

type ctlConfig struct {
	StoreDriver string        `env:"STORE_DRIVER" envDefault:"postgres"`
	DBUrl       string        `env:"POSTGRES_URL"`
	SQLitePath  string        `env:"SQLITE_PATH" envDefault:"escrow.db"`
	NatsUrl     string        `env:"NATS_URL" envDefault:"nats://localhost:4224"`
	NatsToken   string        `env:"NATS_TOKEN"`
	KeeperID    string        `env:"KEEPER_ID" envDefault:"escrow-keeper"`
	Interval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
	LogDir      string        `env:"LOG_DIR"`
	LogJSON     bool          `env:"LOG_JSON" envDefault:"false"`
}

func init() {
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	var cfg ctlConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Error [config] %v", err)
	}
	config.Logging(SERVICE_NAME+"_service_"+instanceId, cfg.LogLevel, cfg.LogDir, cfg.LogJSON)

	var lister keeper.Lister
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite store: %v", err)
		}
		defer s.Close()
		lister = s
	default:
		s, err := store.OpenPostgres(context.Background(), cfg.DBUrl, 2)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer s.Close()
		log.Printf("pg connection established successfully")
		lister = s
	}

	// Connect to NATS
	n, err := natscli.Connect(cfg.NatsUrl, cfg.NatsToken, SERVICE_NAME+"-"+instanceId)
	if err != nil {
		log.Errorf("Error: unable to connect to NATS server %v", err)
		os.Exit(1)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	k := keeper.New(lister, n.Conn, escrow.Address(cfg.KeeperID), broker.RequestTopic)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("%s service stopped", SERVICE_NAME)
			return
		case <-ticker.C:
			expired, err := k.Sweep(ctx)
			if err != nil {
				log.Printf("sweep error: %v", err)
				continue
			}
			if expired > 0 {
				log.Infof("expired %d games", expired)
			}
		}
	}
}
