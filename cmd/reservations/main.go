// cmd/reservations/main.go
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"libranexus/internal/reservations"
	"libranexus/pkg/cache"
	"libranexus/pkg/config"
	"libranexus/pkg/errs"
	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/eventtypes"
	"libranexus/pkg/logging"
	"libranexus/pkg/projection"
	"libranexus/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	log := logging.NewSlog("reservations")

	shutdownTracing, err := telemetry.Init(ctx, "reservations", log)
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
	bus := eventbus.NewNATSBus(cfg.NATSURL, "reservations", log)
	if err := bus.Init(ctx); err != nil {
		log.Error("failed to connect to event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Shutdown(context.Background())

	repo := reservations.NewRepository(sqlxDB)
	cacheP := cache.NewMemory(nil)

	projections := reservations.NewProjectionHandler(repo, cacheP, log)
	bus.Subscribe(eventtypes.ReservationCreated, projections.Handle)
	bus.Subscribe(eventtypes.ReservationRetailPriceSet, projections.Handle)
	bus.Subscribe(eventtypes.ReservationPendingPayment, projections.Handle)
	bus.Subscribe(eventtypes.ReservationRejected, projections.Handle)
	bus.Subscribe(eventtypes.ReservationConfirmed, projections.Handle)
	bus.Subscribe(eventtypes.ReservationReturned, projections.Handle)
	bus.Subscribe(eventtypes.ReservationBookBrought, projections.Handle)
	bus.Subscribe(eventtypes.ReservationCancelled, projections.Handle)
	bus.Subscribe(eventtypes.ReservationDeleted, projections.Handle)

	commands := reservations.NewCommandHandler(store, bus, nil,
		cfg.BookReturnDueDateDays, cfg.BookReservationFee, cfg.EventStoreMaxRetry)
	saga := reservations.NewSagaHandler(commands, repo.CountActiveForUser, cfg.MaxReservationsPerUser, log)
	saga.Subscribe(bus)

	if err := bus.StartConsuming(ctx); err != nil {
		log.Error("failed to start consuming", "error", err)
		os.Exit(1)
	}

	api := &api{commands: commands, repo: repo, cfg: cfg, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/reservations", api.createReservation)
	r.Post("/reservations/{id}/return", api.returnReservation)
	r.Post("/reservations/{id}/cancel", api.cancelReservation)
	r.Get("/users/{userId}/reservations", api.history)
	r.Get("/healthz", api.health(store, bus))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info("reservations service listening", "port", cfg.Port)
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
	commands *reservations.CommandHandler
	repo     *reservations.Repository
	cfg      config.Config
	log      logging.Logger
}

func (a *api) createReservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		BookID string `json:"bookId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_json", "request body is not valid json"))
		return
	}
	ack, err := a.commands.CreateReservation(r.Context(), req.UserID, req.BookID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ack)
}

func (a *api) returnReservation(w http.ResponseWriter, r *http.Request) {
	ack, err := a.commands.ReturnReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (a *api) cancelReservation(w http.ResponseWriter, r *http.Request) {
	ack, err := a.commands.CancelReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intOr(q.Get("page"), 1)
	limit := intOr(q.Get("limit"), a.cfg.PaginationDefaultLimit)
	if limit > a.cfg.PaginationMaxLimit {
		limit = a.cfg.PaginationMaxLimit
	}

	result, err := a.repo.History(r.Context(), chi.URLParam(r, "userId"), projection.QueryOptions{
		Skip:  (page - 1) * limit,
		Limit: limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
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

func intOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
