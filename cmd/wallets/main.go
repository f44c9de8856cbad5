// cmd/wallets/main.go
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"libranexus/internal/wallets"
	"libranexus/pkg/cache"
	"libranexus/pkg/config"
	"libranexus/pkg/errs"
	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/logging"
	"libranexus/pkg/money"
	"libranexus/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	log := logging.NewSlog("wallets")

	shutdownTracing, err := telemetry.Init(ctx, "wallets", log)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	store := eventstore.NewPostgresStore(db, nil)
	bus := eventbus.NewNATSBus(cfg.NATSURL, "wallets", log)
	if err := bus.Init(ctx); err != nil {
		log.Error("failed to connect to event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Shutdown(context.Background())

	repo := wallets.NewRepository(sqlxDB)
	cacheP := cache.NewMemory(nil)

	projections := wallets.NewProjectionHandler(repo, cacheP, log)
	bus.Subscribe(eventtypes.WalletCreated, projections.Handle)
	bus.Subscribe(eventtypes.WalletBalanceUpdated, projections.Handle)
	bus.Subscribe(eventtypes.WalletPaymentSuccess, projections.Handle)
	bus.Subscribe(eventtypes.WalletPaymentDeclined, projections.Handle)
	bus.Subscribe(eventtypes.WalletLateFeeApplied, projections.Handle)

	commands := wallets.NewCommandHandler(store, bus, repo.Lookup, cfg.EventStoreMaxRetry)
	saga := wallets.NewSagaHandler(commands, cfg.LateFeePerDay, log)
	saga.Subscribe(bus)

	if err := bus.StartConsuming(ctx); err != nil {
		log.Error("failed to start consuming", "error", err)
		os.Exit(1)
	}

	api := &api{commands: commands, repo: repo, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/wallets", api.createWallet)
	r.Get("/wallets/{id}", api.getWallet)
	r.Post("/wallets/{id}/balance", api.updateBalance)
	r.Get("/healthz", api.health(store, bus))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info("wallets service listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type api struct {
	commands *wallets.CommandHandler
	repo     *wallets.Repository
	log      logging.Logger
}

func (a *api) createWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         string  `json:"userId"`
		InitialBalance float64 `json:"initialBalance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_json", "request body is not valid json"))
		return
	}
	ack, err := a.commands.CreateWallet(r.Context(), req.UserID, money.FromFloat(req.InitialBalance))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ack)
}

func (a *api) getWallet(w http.ResponseWriter, r *http.Request) {
	doc, err := a.repo.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if doc == nil {
		writeError(w, errs.NotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      doc.ID,
		"userId":  doc.UserID,
		"balance": money.Minor(doc.BalanceCents).Float64(),
		"version": doc.Version,
	})
}

func (a *api) updateBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_json", "request body is not valid json"))
		return
	}
	ack, err := a.commands.UpdateBalance(r.Context(), chi.URLParam(r, "id"), money.FromFloat(req.Amount))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (a *api) health(store eventstore.Store, bus eventbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.CheckHealth(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "details": "event store unreachable"})
			return
		}
		health, err := bus.CheckHealth(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, health)
			return
		}
		writeJSON(w, http.StatusOK, health)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		e = errs.Wrap(errs.KindInternal, "internal", "internal error", err)
	}
	writeJSON(w, statusFor(e.Kind), map[string]string{
		"kind": string(e.Kind), "code": e.Code, "message": e.Message,
	})
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict, errs.KindConcurrencyConflict, errs.KindDuplicateEvent:
		return http.StatusConflict
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
