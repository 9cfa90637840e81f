package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// QueryParams selects and pages the rows of one table.
type QueryParams struct {
	// Where is a filter without the WHERE keyword, e.g. "Outcome = ?".
	Where string
	Args  []any

	// OrderBy is a sort clause without the ORDER BY keywords.
	OrderBy string

	// Limit caps the number of rows. Zero means all rows; Offset is only
	// applied together with a limit.
	Limit  int
	Offset int
}

// DataReader reads recorded tables back into structs.
type DataReader interface {
	// MapTable binds a table to the struct type its rows scan into. The trace
	// and session tables are bound by the constructors.
	MapTable(tableName string, sampleEntry any)

	// ListTables returns the mapped table names in sorted order.
	ListTables() []string

	// Tables returns the mapped tables that exist in the database.
	Tables(ctx context.Context) ([]string, error)

	// Query returns pointers to the mapped struct type along with the number
	// of rows that match params.Where, ignoring the paging.
	Query(ctx context.Context, tableName string, params QueryParams) (
		results []any,
		totalCount int,
		err error,
	)

	// Session returns the properties of the recording run.
	Session(ctx context.Context) ([]SessionInfo, error)

	Close() error
}

// traceTables are the tables a trace file may contain.
var traceTables = map[string]any{
	SessionTable:     SessionInfo{},
	TransactionTable: TransactionEntry{},
	RegisterTable:    RegisterEntry{},
	StateTable:       StateEntry{},
	TrainTable:       TrainEntry{},
	DispatchTable:    DispatchEntry{},
	TunnelTable:      TunnelEntry{},
}

type sqliteReader struct {
	db    *sql.DB
	types map[string]reflect.Type
}

// NewReader opens a SQLite trace for reading.
func NewReader(dbFilename string) (DataReader, error) {
	db, err := sql.Open("sqlite3", dbFilename)
	if err != nil {
		return nil, fmt.Errorf("datarecording: %w", err)
	}

	return NewReaderWithDB(db), nil
}

// NewReaderWithDB reads from an open database.
func NewReaderWithDB(db *sql.DB) DataReader {
	r := &sqliteReader{
		db:    db,
		types: make(map[string]reflect.Type, len(traceTables)),
	}

	for name, sample := range traceTables {
		r.MapTable(name, sample)
	}

	return r
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	r.types[tableName] = reflect.TypeOf(sampleEntry)
}

func (r *sqliteReader) ListTables() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

func (r *sqliteReader) Tables(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("datarecording: %w", err)
	}
	defer rows.Close()

	var found []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("datarecording: %w", err)
		}

		if _, ok := r.types[name]; ok {
			found = append(found, name)
		}
	}

	return found, rows.Err()
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	structType, ok := r.types[tableName]
	if !ok {
		return nil, 0, fmt.Errorf("datarecording: table %q is not mapped", tableName)
	}

	filter := ""
	if params.Where != "" {
		filter = " WHERE " + params.Where
	}

	var total int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+tableName+filter, params.Args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("datarecording: count %s: %w", tableName, err)
	}

	var q strings.Builder

	q.WriteString("SELECT * FROM " + tableName + filter)

	if params.OrderBy != "" {
		q.WriteString(" ORDER BY " + params.OrderBy)
	}

	if params.Limit > 0 {
		fmt.Fprintf(&q, " LIMIT %d", params.Limit)

		if params.Offset > 0 {
			fmt.Fprintf(&q, " OFFSET %d", params.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, q.String(), params.Args...)
	if err != nil {
		return nil, 0, fmt.Errorf("datarecording: query %s: %w", tableName, err)
	}
	defer rows.Close()

	results, err := scanRows(rows, structType)
	if err != nil {
		return nil, 0, fmt.Errorf("datarecording: scan %s: %w", tableName, err)
	}

	return results, total, nil
}

func (r *sqliteReader) Session(ctx context.Context) ([]SessionInfo, error) {
	results, _, err := r.Query(ctx, SessionTable, QueryParams{OrderBy: "rowid"})
	if err != nil {
		return nil, err
	}

	props := make([]SessionInfo, len(results))
	for i, res := range results {
		props[i] = *res.(*SessionInfo)
	}

	return props, nil
}

func (r *sqliteReader) Close() error {
	return r.db.Close()
}

// scanRows scans every row into a new value of structType. Columns without a
// field of the same name are discarded.
func scanRows(rows *sql.Rows, structType reflect.Type) ([]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []any

	for rows.Next() {
		entry := reflect.New(structType)
		targets := make([]any, len(columns))

		for i, col := range columns {
			field := entry.Elem().FieldByName(col)
			if field.IsValid() && field.CanSet() {
				targets[i] = field.Addr().Interface()
				continue
			}

			targets[i] = new(any)
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		results = append(results, entry.Interface())
	}

	return results, rows.Err()
}
