// cmd/books/main.go
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

	"libranexus/internal/books"
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
	log := logging.NewSlog("books")

	shutdownTracing, err := telemetry.Init(ctx, "books", log)
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
	bus := eventbus.NewNATSBus(cfg.NATSURL, "books", log)
	if err := bus.Init(ctx); err != nil {
		log.Error("failed to connect to event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Shutdown(context.Background())

	repo := books.NewRepository(sqlxDB)
	cacheP := cache.NewMemory(nil)
	search := books.NewSearchService(cfg.MeiliURL, cfg.MeiliAPIKey, repo, log)

	projections := books.NewProjectionHandler(repo, cacheP, log)
	bus.Subscribe(eventtypes.BookCreated, projections.Handle)
	bus.Subscribe(eventtypes.BookUpdated, projections.Handle)
	bus.Subscribe(eventtypes.BookDeleted, projections.Handle)

	validation := books.NewValidationHandler(repo.FindByID, bus, log)
	validation.Subscribe()

	if err := bus.StartConsuming(ctx); err != nil {
		log.Error("failed to start consuming", "error", err)
		os.Exit(1)
	}

	commands := books.NewCommandHandler(store, bus, repo.ExistsISBN, cfg.EventStoreMaxRetry)
	api := &api{commands: commands, repo: repo, search: search, cache: cacheP, cfg: cfg, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/books", api.createBook)
	r.Patch("/books/{id}", api.updateBook)
	r.Delete("/books/{id}", api.deleteBook)
	r.Get("/books/{id}", api.getBook)
	r.Get("/search", api.searchCatalog)
	r.Get("/healthz", api.health(store, bus))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info("books service listening", "port", cfg.Port)
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
	commands *books.CommandHandler
	repo     *books.Repository
	search   *books.SearchService
	cache    cache.Port
	cfg      config.Config
	log      logging.Logger
}

type bookRequest struct {
	ISBN            string   `json:"isbn"`
	Title           *string  `json:"title"`
	Author          *string  `json:"author"`
	PublicationYear *int     `json:"publicationYear"`
	Publisher       *string  `json:"publisher"`
	Price           *float64 `json:"price"`
}

func (a *api) createBook(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_json", "request body is not valid json"))
		return
	}
	ack, err := a.commands.CreateBook(r.Context(), req.ISBN,
		deref(req.Title), deref(req.Author), derefInt(req.PublicationYear), deref(req.Publisher),
		money.FromFloat(derefFloat(req.Price)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ack)
}

func (a *api) updateBook(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_json", "request body is not valid json"))
		return
	}
	var price *money.Minor
	if req.Price != nil {
		p := money.FromFloat(*req.Price)
		price = &p
	}
	ack, err := a.commands.UpdateBook(r.Context(), chi.URLParam(r, "id"),
		req.Title, req.Author, req.Publisher, req.PublicationYear, price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (a *api) deleteBook(w http.ResponseWriter, r *http.Request) {
	ack, err := a.commands.DeleteBook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// getBook is the cache-aside read path: the serialized projection row is
// cached per id and invalidated by the projection handler on every
// mutation.
func (a *api) getBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := "book:get:" + id

	if body, ok := a.cache.Get(key); ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
		return
	}

	doc, err := a.repo.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if doc == nil {
		writeError(w, errs.NotFound)
		return
	}

	body, _ := json.Marshal(doc)
	a.cache.Set(key, string(body), a.cfg.CacheDefaultTTL)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (a *api) searchCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intOr(q.Get("page"), 1)
	limit := intOr(q.Get("limit"), a.cfg.PaginationDefaultLimit)
	if limit > a.cfg.PaginationMaxLimit {
		limit = a.cfg.PaginationMaxLimit
	}

	result, err := a.search.Search(r.Context(), q.Get("q"), page, limit)
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func intOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
