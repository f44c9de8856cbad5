// cmd/gateway/main.go
package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"libranexus/pkg/logging"
	"libranexus/pkg/telemetry"
)

// The gateway is a thin reverse proxy in front of the three services; it
// holds no domain state and performs no validation of its own.
func main() {
	log := logging.NewSlog("gateway")

	shutdownTracing, err := telemetry.Init(context.Background(), "gateway", log)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	booksURL := mustParse(getEnv("BOOKS_SERVICE_URL", "http://localhost:8081"))
	reservationsURL := mustParse(getEnv("RESERVATIONS_SERVICE_URL", "http://localhost:8082"))
	walletsURL := mustParse(getEnv("WALLETS_SERVICE_URL", "http://localhost:8083"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Mount("/api/v1/catalog", http.StripPrefix("/api/v1/catalog", httputil.NewSingleHostReverseProxy(booksURL)))
	r.Mount("/api/v1/reservations", http.StripPrefix("/api/v1/reservations", httputil.NewSingleHostReverseProxy(reservationsURL)))
	r.Mount("/api/v1/wallets", http.StripPrefix("/api/v1/wallets", httputil.NewSingleHostReverseProxy(walletsURL)))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"up"}`))
	})

	port := getEnv("PORT", "8080")
	log.Info("gateway listening", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
