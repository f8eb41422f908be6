package config

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/gofrs/uuid"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var InstanceId string

// LoadEnv loads ./.env when present. Variables already set in the process
// win over the file.
func LoadEnv(service string) {
	log.Infof("%s service configuration and env variables loading started ...", service)
	if _, err := os.Stat("./.env"); os.IsNotExist(err) {
		log.Info("no .env file, using process environment")
		return
	}
	if err := godotenv.Load("./.env"); err != nil {
		log.Fatalf("Error loading .env file: %v", err)
	}
	log.Info(".env file loaded.")
}

// CreateUniqueInstance returns a short id that tells replicas of one service
// apart in logs and nats client names.
func CreateUniqueInstance(service string) string {
	id, err := uuid.NewV4()
	if err != nil {
		log.Fatalf("error generating instanceId: %s", err)
	}
	InstanceId = id.String()[:8]
	log.Infof("%s service instance %s is ready", service, InstanceId)
	return InstanceId
}

// CORS allows the browser clients in origins to call the api with a bearer
// token.
func CORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})
}

// Logging sets the logrus level and, when dir is not empty, moves output to
// dir/<service>.log. JSON output is meant for log shippers.
func Logging(service, level, dir string, json bool) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	if json {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Warnf("unable to create folder for log %s", err)
		return
	}
	file, err := os.OpenFile(filepath.Join(dir, service+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	log.SetOutput(file)
	log.Infof("log to file started for service: %s", service)
}

// CustomLoggerMiddleware logs one line per request with the chi request id.
func CustomLoggerMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				entry := log.WithFields(log.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"remote":     r.RemoteAddr,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"took":       time.Since(start).String(),
				})
				if ww.Status() >= http.StatusInternalServerError {
					entry.Errorf("%s %s", r.Method, r.RequestURI)
					return
				}
				entry.Infof("%s %s", r.Method, r.RequestURI)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
