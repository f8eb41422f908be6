package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	"github.com/nats-io/nats.go"

	config "github.com/avvvet/escrow-services/configs"
	"github.com/avvvet/escrow-services/internal/audit"
	"github.com/avvvet/escrow-services/internal/db"
	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/avvvet/escrow-services/internal/escrowsvc/broker"
	svcconfig "github.com/avvvet/escrow-services/internal/escrowsvc/config"
	"github.com/avvvet/escrow-services/internal/escrowsvc/handlers"
	"github.com/avvvet/escrow-services/internal/escrowsvc/service"
	"github.com/avvvet/escrow-services/internal/escrowsvc/store"
	"github.com/avvvet/escrow-services/internal/escrowsvc/ws"
	natsconn "github.com/avvvet/escrow-services/internal/nats"
	log "github.com/sirupsen/logrus"
)

const SERVICE_NAME = "escrow"

type accountStore interface {
	escrow.Store
	service.Funder
}

var instanceId string

func init() {
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	cfg, err := svcconfig.Load()
	if err != nil {
		log.Fatalf("Error [config] %v", err)
	}
	config.Logging(SERVICE_NAME+"_service_"+instanceId, cfg.LogLevel, cfg.LogDir, cfg.LogJSON)

	opts, err := cfg.EngineOptions()
	if err != nil {
		log.Fatalf("Error [config] %v", err)
	}

	accounts, closeStore := openStore(cfg)
	defer closeStore()

	engine := escrow.NewEngine(accounts, opts)
	log.Infof("escrow program %s, payout policy %q, game duration %s",
		engine.Options().ProgramID, engine.Options().Payout, engine.Options().GameDuration)

	// audit receipts go to mongo when configured
	var recorder audit.Recorder = audit.LogRecorder{}
	if cfg.MongoURI != "" {
		database, err := db.ConnectToDB(cfg.MongoURI)
		if err != nil {
			log.Fatalf("Failed to connect to mongo: %v", err)
		}
		defer database.Client().Disconnect(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mongoRecorder, err := audit.NewMongoRecorder(ctx, database, cfg.AuditTTL)
		cancel()
		if err != nil {
			log.Fatalf("Failed to prepare receipts collection: %v", err)
		}
		recorder = mongoRecorder
		log.Printf("mongo connection established, receipts expire after %s", cfg.AuditTTL)
	}

	escrowService := service.NewEscrowService(engine, recorder, accounts)
	hub := ws.NewWs()

	// Connect to NATS; without it the service still serves HTTP
	var subs []*nats.Subscription
	n, err := natsconn.Connect(cfg.NatsUrl, cfg.NatsToken, SERVICE_NAME+"-"+instanceId)
	if err != nil {
		log.Warnf("unable to connect to NATS server, events stay local: %v", err)
		escrowService.AddNotifier(hub)
	} else {
		defer n.Conn.Close()
		log.Printf("NATS connection established successfully %s", n.Url)

		b := broker.NewBroker(n.Conn, escrowService)
		escrowService.AddNotifier(b)

		sub, err := b.QueueSubscribe(broker.RequestTopic, SERVICE_NAME)
		if err != nil {
			log.Fatalf("Error: unable to subscribe to queue %v", err)
		}
		subs = append(subs, sub)

		// every instance relays all events to its own sockets
		events, err := b.SubscribeEvents(hub.Notify)
		if err != nil {
			log.Fatalf("Error: unable to subscribe to events %v", err)
		}
		subs = append(subs, events)
	}

	// Setup router
	r := chi.NewRouter()
	c := config.CORS(cfg.CORSOrigins)

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	// Init handlers and routes
	h := handlers.NewHandler(escrowService, hub, handlers.Options{
		FaucetEnabled: cfg.FaucetEnabled,
		Port:          cfg.Port,
	})
	h.InitAuth(cfg.JWTSecret, cfg.JWTDebug)
	h.SetRoutes(r)

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
		return
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}

// openStore connects the configured account store and applies migrations.
func openStore(cfg svcconfig.Config) (accountStore, func()) {
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite store: %v", err)
		}
		log.Printf("sqlite store opened at %s", cfg.SQLitePath)
		return s, func() { s.Close() }
	default:
		if err := store.MigratePostgres(cfg.DBUrl); err != nil {
			log.Fatalf("Failed to migrate DB: %v", err)
		}
		s, err := store.OpenPostgres(context.Background(), cfg.DBUrl, cfg.DBMaxConns)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		log.Printf("pg connection established successfully")
		return s, s.Close
	}
}
