package projection

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

type widgetDoc struct {
	ID        string     `db:"id"`
	Name      string     `db:"name"`
	Version   int        `db:"version"`
	DeletedAt *time.Time `db:"deleted_at"`
}

func setupWidgetDB(t *testing.T) *sqlx.DB {
	t.Helper()
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		envOr("PGHOST", "localhost"), envOr("PGPORT", "5432"), envOr("PGUSER", "user"),
		envOr("PGPASSWORD", "password"), envOr("PGDATABASE", "testdb"))

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS widgets (id TEXT PRIMARY KEY, name TEXT NOT NULL, version INT NOT NULL, deleted_at TIMESTAMPTZ)`,
		`TRUNCATE TABLE widgets`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func TestRepository_SaveAndFindOne(t *testing.T) {
	db := setupWidgetDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := New[widgetDoc](db, "widgets")
	require.NoError(t, repo.Save(ctx, widgetDoc{ID: "w1", Name: "gadget", Version: 1},
		`INSERT INTO widgets (id, name, version) VALUES (:id, :name, :version)`))

	found, err := repo.FindOne(ctx, Filter{"id": "w1"}, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "gadget", found.Name)
}

func TestRepository_UpdateVersionedDropsStaleEvent(t *testing.T) {
	db := setupWidgetDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := New[widgetDoc](db, "widgets")
	require.NoError(t, repo.Save(ctx, widgetDoc{ID: "w2", Name: "old", Version: 5},
		`INSERT INTO widgets (id, name, version) VALUES (:id, :name, :version)`))

	err := repo.UpdateVersioned(ctx, "w2",
		`UPDATE widgets SET name = :name, version = :new_version WHERE id = :id AND version < :new_version`,
		map[string]any{"id": "w2", "name": "stale-replay", "new_version": 3})
	require.NoError(t, err)

	found, err := repo.FindOne(ctx, Filter{"id": "w2"}, nil)
	require.NoError(t, err)
	require.Equal(t, "old", found.Name)
}

func TestRepository_UpdateVersionedNotFound(t *testing.T) {
	db := setupWidgetDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := New[widgetDoc](db, "widgets")
	err := repo.UpdateVersioned(ctx, "missing",
		`UPDATE widgets SET name = :name, version = :new_version WHERE id = :id AND version < :new_version`,
		map[string]any{"id": "missing", "name": "x", "new_version": 1})
	require.Error(t, err)
}

func TestRepository_FieldSelectionDropsUnknownFields(t *testing.T) {
	db := setupWidgetDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := New[widgetDoc](db, "widgets", "id", "name")
	require.NoError(t, repo.Save(ctx, widgetDoc{ID: "w5", Name: "sparse", Version: 7},
		`INSERT INTO widgets (id, name, version) VALUES (:id, :name, :version)`))

	// Unknown field names never reach the SQL statement and never error.
	found, err := repo.FindOne(ctx, Filter{"id": "w5"}, []string{"name", "password", "version; DROP TABLE widgets"})
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "sparse", found.Name)
	require.Zero(t, found.Version, "unselected columns stay at their zero value")

	// A request where every field is unknown falls back to the full row.
	found, err = repo.FindOne(ctx, Filter{"id": "w5"}, []string{"password"})
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, 7, found.Version)
}

func TestRepository_UpdateSimpleIgnoresVersionGuard(t *testing.T) {
	db := setupWidgetDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := New[widgetDoc](db, "widgets")
	require.NoError(t, repo.Save(ctx, widgetDoc{ID: "w4", Name: "old", Version: 5},
		`INSERT INTO widgets (id, name, version) VALUES (:id, :name, :version)`))

	// A maintenance patch lands regardless of the stored version.
	require.NoError(t, repo.UpdateSimple(ctx, "w4",
		`UPDATE widgets SET name = :name WHERE id = :id`,
		map[string]any{"id": "w4", "name": "maintained"}, true))

	found, err := repo.FindOne(ctx, Filter{"id": "w4"}, nil)
	require.NoError(t, err)
	require.Equal(t, "maintained", found.Name)
	require.Equal(t, 5, found.Version)

	err = repo.UpdateSimple(ctx, "missing",
		`UPDATE widgets SET name = :name WHERE id = :id`,
		map[string]any{"id": "missing", "name": "x"}, true)
	require.Error(t, err)

	require.NoError(t, repo.UpdateSimple(ctx, "missing",
		`UPDATE widgets SET name = :name WHERE id = :id`,
		map[string]any{"id": "missing", "name": "x"}, false))
}

func TestRepository_MarkDeletedExcludesFromFindOne(t *testing.T) {
	db := setupWidgetDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := New[widgetDoc](db, "widgets")
	require.NoError(t, repo.Save(ctx, widgetDoc{ID: "w3", Name: "gone-soon", Version: 1},
		`INSERT INTO widgets (id, name, version) VALUES (:id, :name, :version)`))
	require.NoError(t, repo.MarkDeleted(ctx, "w3", 2, time.Now()))

	found, err := repo.FindOne(ctx, Filter{"id": "w3"}, nil)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestExecutePaginatedQuery_ComputesPageMetadata(t *testing.T) {
	db := setupWidgetDB(t)
	defer db.Close()
	ctx := context.Background()

	repo := New[widgetDoc](db, "widgets")
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save(ctx, widgetDoc{ID: fmt.Sprintf("p%d", i), Name: "page", Version: 1},
			`INSERT INTO widgets (id, name, version) VALUES (:id, :name, :version)`))
	}

	page, err := ExecutePaginatedQuery(ctx, repo, Filter{"name": "page"}, QueryOptions{Limit: 2, Skip: 0, SortBy: "id"})
	require.NoError(t, err)
	require.Equal(t, 5, page.Total)
	require.Equal(t, 3, page.Pages)
	require.True(t, page.HasNext)
	require.False(t, page.HasPrev)
}
