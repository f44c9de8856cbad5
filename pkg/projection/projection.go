// Package projection is the generic, version-aware read-model repository
// base. Every bounded context wraps one Repository[D] around its own row
// type and table; the versioned-update guard makes redelivered or
// out-of-order events harmless no-ops, and soft-deleted rows disappear
// from every read unless explicitly requested.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"libranexus/pkg/errs"
)

// Filter is an equality filter map; keys are column names. Soft-delete
// exclusion is applied automatically unless IncludeDeleted is set on the
// enclosing query options.
type Filter map[string]any

// QueryOptions parameterizes FindMany/ExecutePaginatedQuery.
type QueryOptions struct {
	Skip           int
	Limit          int
	SortBy         string
	SortOrder      string // "asc" | "desc"
	Fields         []string
	IncludeDeleted bool
}

// Page is the pagination envelope executePaginatedQuery returns.
type Page[T any] struct {
	Data    []T
	Total   int
	Page    int
	Limit   int
	Pages   int
	HasNext bool
	HasPrev bool
}

// Repository is the generic read-model base, parameterized over document
// type D (the sqlx-scannable row struct). Every bounded context's own
// repository wraps one Repository[D] bound to its table.
type Repository[D any] struct {
	db      *sqlx.DB
	table   string
	allowed map[string]bool
}

// New builds a Repository bound to table, using the connection's struct
// tags for scanning (sqlx "db" tags on D). allowedFields is the entity's
// sparse-field-selection allow-list: requested fields outside it are
// silently dropped, never an error, and never reach the SQL statement.
func New[D any](db *sqlx.DB, table string, allowedFields ...string) *Repository[D] {
	allowed := make(map[string]bool, len(allowedFields))
	for _, f := range allowedFields {
		allowed[f] = true
	}
	return &Repository[D]{db: db, table: table, allowed: allowed}
}

// filterFields drops every requested field not on the allow-list.
func (r *Repository[D]) filterFields(fields []string) []string {
	var kept []string
	for _, f := range fields {
		if r.allowed[f] {
			kept = append(kept, f)
		}
	}
	return kept
}

// Save inserts a brand-new projection row. Callers pass the fully built
// document; column names come from D's `db:"..."` struct tags via sqlx's
// NamedExec.
func (r *Repository[D]) Save(ctx context.Context, doc D, insertSQL string) error {
	_, err := r.db.NamedExecContext(ctx, insertSQL, doc)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailure, "projection_save_failed", "failed to insert projection", err)
	}
	return nil
}

// UpdateVersioned applies patch only if the stored row's version is less
// than newVersion — out-of-order or replayed events drop out as no-ops.
// patchSQL must be a full "UPDATE ... SET ... WHERE id = :id AND version <
// :new_version" statement; args supplies the named parameters including
// :id and :new_version.
func (r *Repository[D]) UpdateVersioned(ctx context.Context, id string, patchSQL string, args map[string]any) error {
	result, err := r.db.NamedExecContext(ctx, patchSQL, args)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailure, "projection_update_failed", "failed to apply versioned update", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		return nil
	}

	// No row matched the version guard: distinguish "already newer" (fine,
	// no-op) from "row doesn't exist at all" (NotFound).
	exists, err := r.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return errs.NotFound
	}
	return nil
}

// UpdateSimple applies an unconditional patch for cross-context
// maintenance events (e.g. "book details changed" fanning into a
// reservation projection). When the target row is absent, throwIfNotFound
// controls whether that's an error or a silent no-op; nothing is logged.
func (r *Repository[D]) UpdateSimple(ctx context.Context, id string, patchSQL string, args map[string]any, throwIfNotFound bool) error {
	result, err := r.db.NamedExecContext(ctx, patchSQL, args)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailure, "projection_update_failed", "failed to apply simple update", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 && throwIfNotFound {
		return errs.NotFound
	}
	return nil
}

// MarkDeleted sets deletedAt, soft-deleting the row.
func (r *Repository[D]) MarkDeleted(ctx context.Context, id string, newVersion int, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = $1, version = $2 WHERE id = $3 AND version < $2`, r.table)
	result, err := r.db.ExecContext(ctx, query, at, newVersion, id)
	if err != nil {
		return errs.Wrap(errs.KindStorageFailure, "projection_soft_delete_failed", "failed to mark projection deleted", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		return nil
	}
	exists, err := r.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return errs.NotFound
	}
	return nil
}

func (r *Repository[D]) exists(ctx context.Context, id string) (bool, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = $1`, r.table)
	if err := r.db.GetContext(ctx, &count, query, id); err != nil {
		return false, errs.Wrap(errs.KindStorageFailure, "projection_exists_check_failed", "failed to check projection existence", err)
	}
	return count > 0, nil
}

// FindOne returns a single non-deleted row matching filter, or nil if none
// matches.
func (r *Repository[D]) FindOne(ctx context.Context, filter Filter, fields []string) (*D, error) {
	query, args := r.selectQuery(filter, fields, QueryOptions{Limit: 1})
	var out D
	if err := r.db.GetContext(ctx, &out, query, args...); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindStorageFailure, "projection_find_one_failed", "failed to query projection", err)
	}
	return &out, nil
}

// FindMany returns every non-deleted row matching filter, paginated and
// sorted per opts.
func (r *Repository[D]) FindMany(ctx context.Context, filter Filter, opts QueryOptions) ([]D, error) {
	query, args := r.selectQuery(filter, opts.Fields, opts)
	var out []D
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "projection_find_many_failed", "failed to query projections", err)
	}
	return out, nil
}

// Count returns the number of non-deleted rows matching filter.
func (r *Repository[D]) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := r.whereClause(filter, false)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, r.table, where)
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, errs.Wrap(errs.KindStorageFailure, "projection_count_failed", "failed to count projections", err)
	}
	return count, nil
}

// ExecutePaginatedQuery composes FindMany + Count into a Page with full
// pagination metadata.
func ExecutePaginatedQuery[D any](ctx context.Context, r *Repository[D], filter Filter, opts QueryOptions) (Page[D], error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	data, err := r.FindMany(ctx, filter, opts)
	if err != nil {
		return Page[D]{}, err
	}
	total, err := r.Count(ctx, filter)
	if err != nil {
		return Page[D]{}, err
	}

	pages := (total + opts.Limit - 1) / opts.Limit
	if pages == 0 {
		pages = 1
	}
	page := opts.Skip/opts.Limit + 1

	return Page[D]{
		Data:    data,
		Total:   total,
		Page:    page,
		Limit:   opts.Limit,
		Pages:   pages,
		HasNext: page < pages,
		HasPrev: page > 1,
	}, nil
}

func (r *Repository[D]) selectQuery(filter Filter, fields []string, opts QueryOptions) (string, []any) {
	cols := "*"
	if kept := r.filterFields(fields); len(kept) > 0 {
		cols = strings.Join(kept, ", ")
	}
	where, args := r.whereClause(filter, opts.IncludeDeleted)

	query := fmt.Sprintf(`SELECT %s FROM %s %s`, cols, r.table, where)
	if opts.SortBy != "" {
		order := "ASC"
		if strings.EqualFold(opts.SortOrder, "desc") {
			order = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s", opts.SortBy, order)
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Skip > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Skip)
	}
	return query, args
}

// whereClause implements the soft-delete invariant: every read implicitly
// AND-joins (deleted_at IS NULL) unless includeDeleted is set.
func (r *Repository[D]) whereClause(filter Filter, includeDeleted bool) (string, []any) {
	var conds []string
	var args []any
	i := 1
	for col, val := range filter {
		conds = append(conds, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}
	if !includeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
