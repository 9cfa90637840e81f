package datarecording

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/tebeka/atexit"
)

// ClickHouseOptions locates a ClickHouse server.
type ClickHouseOptions struct {
	Host      string
	Port      int
	Database  string
	Username  string
	Password  string
	BatchSize int
}

// clickHouseRecorder batches rows per table and sends each table with one
// native batch insert.
type clickHouseRecorder struct {
	conn      clickhouse.Conn
	lock      sync.Mutex
	batchSize int

	tables     map[string]*table
	order      []string
	entryCount int
}

// NewClickHouse connects to a ClickHouse server and returns a recorder that
// writes to it.
func NewClickHouse(opts ClickHouseOptions) (DataRecorder, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("datarecording: connecting to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("datarecording: pinging ClickHouse: %w", err)
	}

	r := &clickHouseRecorder{
		conn:      conn,
		batchSize: opts.BatchSize,
		tables:    make(map[string]*table),
	}

	atexit.Register(func() { r.Flush() })

	return r, nil
}

// clickHouseType maps a field kind to a column type.
func clickHouseType(kind reflect.Kind) string {
	switch kind {
	case reflect.Bool:
		return "Bool"
	case reflect.Int8:
		return "Int8"
	case reflect.Int16:
		return "Int16"
	case reflect.Int32:
		return "Int32"
	case reflect.Int, reflect.Int64:
		return "Int64"
	case reflect.Uint8:
		return "UInt8"
	case reflect.Uint16:
		return "UInt16"
	case reflect.Uint32:
		return "UInt32"
	case reflect.Uint, reflect.Uint64:
		return "UInt64"
	case reflect.Float32:
		return "Float32"
	case reflect.Float64:
		return "Float64"
	case reflect.String:
		return "String"
	}

	panic(fmt.Sprintf("no ClickHouse column type for %s", kind))
}

// createTableSQL builds a MergeTree table ordered by the first column.
func createTableSQL(tableName string, sampleEntry any) string {
	t := reflect.TypeOf(sampleEntry)
	cols := make([]string, t.NumField())

	for i := range cols {
		f := t.Field(i)
		cols[i] = f.Name + " " + clickHouseType(f.Type.Kind())
	}

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n\t%s\n) ENGINE = MergeTree()\nORDER BY %s",
		tableName, strings.Join(cols, ",\n\t"), t.Field(0).Name)
}

func (r *clickHouseRecorder) CreateTable(tableName string, sampleEntry any) {
	if err := checkStructFields(sampleEntry); err != nil {
		panic(err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	err := r.conn.Exec(context.Background(), createTableSQL(tableName, sampleEntry))
	if err != nil {
		panic(fmt.Errorf("failed to create table %s: %w", tableName, err))
	}

	r.tables[tableName] = &table{structType: reflect.TypeOf(sampleEntry)}
	r.order = append(r.order, tableName)
}

func (r *clickHouseRecorder) InsertData(tableName string, entry any) {
	r.lock.Lock()

	t, exists := r.tables[tableName]
	if !exists {
		r.lock.Unlock()
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	t.entries = append(t.entries, entry)

	r.entryCount++
	full := r.entryCount >= r.batchSize
	r.lock.Unlock()

	if full {
		r.Flush()
	}
}

func (r *clickHouseRecorder) ListTables() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	tables := make([]string, len(r.order))
	copy(tables, r.order)

	return tables
}

func (r *clickHouseRecorder) Flush() {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.entryCount == 0 {
		return
	}

	ctx := context.Background()

	for _, name := range r.order {
		t := r.tables[name]
		if len(t.entries) == 0 {
			continue
		}

		r.flushTable(ctx, name, t)
	}

	r.entryCount = 0
}

func (r *clickHouseRecorder) flushTable(ctx context.Context, name string, t *table) {
	batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO "+name)
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", name, err))
	}

	for _, entry := range t.entries {
		if err := batch.Append(fieldValues(entry)...); err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	if err := batch.Send(); err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	t.entries = nil
}

func (r *clickHouseRecorder) Close() error {
	r.Flush()

	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ClickHouse connection: %w", err)
	}

	return nil
}
