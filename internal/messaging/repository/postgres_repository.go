package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"campus_connect/internal/messaging/domain"

	"github.com/coder/quartz"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpNeq: "IS DISTINCT FROM",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// setReturningProcedures procedures declared RETURNS SETOF
var setReturningProcedures = map[string]bool{
	domain.ProcExpireStalePresence: true,
}

type postgresStore struct {
	db    *pgxpool.Pool
	clock quartz.Clock
}

// NewPostgresStore create a Store over postgres. Rows travel as json
// (row_to_json out, json_populate_record in) so the store stays schema agnostic.
func NewPostgresStore(db *pgxpool.Pool, clock quartz.Clock) Store {
	return &postgresStore{db: db, clock: clock}
}

func (r *postgresStore) Query(ctx context.Context, table string, filter Filter, order *Order) ([]json.RawMessage, error) {
	if _, err := PrimaryKey(table); err != nil {
		return nil, err
	}
	where, params, err := buildWhere(filter, 1)
	if err != nil {
		return nil, err
	}

	queryStr := fmt.Sprintf("SELECT row_to_json(t) FROM %s AS t WHERE %s", quoteIdent(table), where)
	if order != nil && order.Column != "" {
		dir := "ASC"
		if order.Desc {
			dir = "DESC"
		}
		queryStr += fmt.Sprintf(" ORDER BY t.%s %s", quoteIdent(order.Column), dir)
	}

	rows, err := r.db.Query(ctx, queryStr, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]json.RawMessage, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}

func (r *postgresStore) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	pk, err := PrimaryKey(table)
	if err != nil {
		return nil, err
	}
	raw, err := toRawRow(row)
	if err != nil {
		return nil, err
	}
	doc, err := decodeRow(raw)
	if err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	if err := prepareInsertRow(table, pk, doc, r.clock.Now()); err != nil {
		return nil, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	cols := sortedKeys(doc)
	quoted := quoteIdents(cols)
	queryStr := fmt.Sprintf(
		"INSERT INTO %[1]s AS t (%[2]s) SELECT %[2]s FROM json_populate_record(NULL::%[1]s, $1) RETURNING row_to_json(t)",
		quoteIdent(table), strings.Join(quoted, ", "),
	)

	var out []byte
	if err := r.db.QueryRow(ctx, queryStr, string(body)).Scan(&out); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return out, nil
}

func (r *postgresStore) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	pk, err := PrimaryKey(table)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(patch))
	for k, v := range patch {
		if k != pk {
			values[k] = v
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("update %s: empty patch", table)
	}
	body, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}

	cols := sortedKeys(values)
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf("%[1]s = p.%[1]s", quoteIdent(c)))
	}
	queryStr := fmt.Sprintf(
		"UPDATE %s AS t SET %s FROM json_populate_record(NULL::%s, $1) AS p WHERE t.%s = $2 RETURNING row_to_json(t)",
		quoteIdent(table), strings.Join(sets, ", "), quoteIdent(table), quoteIdent(pk),
	)

	var out []byte
	err = r.db.QueryRow(ctx, queryStr, string(body), id).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return out, nil
}

func (r *postgresStore) Delete(ctx context.Context, table, id string) error {
	pk, err := PrimaryKey(table)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = $1", quoteIdent(table), quoteIdent(pk)), id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return nil
}

func (r *postgresStore) CallProcedure(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if _, ok := procedureTables[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, name)
	}
	queryStr, params := buildProcedureCall(name, args)

	var out []byte
	if err := r.db.QueryRow(ctx, queryStr, params...).Scan(&out); err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return out, nil
}

// buildWhere renders filter with placeholders starting at $start
func buildWhere(filter Filter, start int) (string, []any, error) {
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}
	if filter.IsEmpty() {
		return "TRUE", nil, nil
	}

	parts := make([]string, 0, len(filter.Conditions))
	params := []any{}
	paramCount := start
	for _, c := range filter.Conditions {
		col := "t." + quoteIdent(c.Column)
		if c.Value == nil {
			switch c.Op {
			case OpEq:
				parts = append(parts, col+" IS NULL")
				continue
			case OpNeq:
				parts = append(parts, col+" IS NOT NULL")
				continue
			}
		}
		parts = append(parts, fmt.Sprintf("%s %s $%d", col, sqlOps[c.Op], paramCount))
		params = append(params, sqlValue(c.Value))
		paramCount++
	}

	joiner := " AND "
	if filter.Any {
		joiner = " OR "
	}
	return "(" + strings.Join(parts, joiner) + ")", params, nil
}

// buildProcedureCall uses named argument notation so argument order never matters
func buildProcedureCall(name string, args map[string]any) (string, []any) {
	names := sortedKeys(args)
	named := make([]string, 0, len(names))
	params := make([]any, 0, len(names))
	for i, n := range names {
		named = append(named, fmt.Sprintf("%s => $%d", quoteIdent(n), i+1))
		params = append(params, sqlValue(args[n]))
	}
	call := fmt.Sprintf("%s(%s)", quoteIdent(name), strings.Join(named, ", "))
	if setReturningProcedures[name] {
		return fmt.Sprintf("SELECT COALESCE(json_agg(r), '[]'::json) FROM %s AS r", call), params
	}
	return fmt.Sprintf("SELECT row_to_json(r) FROM %s AS r", call), params
}

// sqlValue sends strings and numbers as is, anything else in its json form
func sqlValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64:
		return t
	case domain.PresenceStatus:
		return string(t)
	}
	n := normalize(v)
	if m, ok := n.(map[string]any); ok {
		b, _ := json.Marshal(m)
		return string(b)
	}
	return n
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteIdents(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, quoteIdent(n))
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
