package datarecording

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Open selects a backend from a destination string. A
// clickhouse://host:port/db?username=u&password=p URL connects to ClickHouse;
// anything else is a SQLite path without the .sqlite3 extension.
func Open(dest string) (DataRecorder, error) {
	if !strings.HasPrefix(dest, "clickhouse://") {
		return New(strings.TrimSuffix(dest, ".sqlite3")), nil
	}

	opts, err := ParseClickHouseURL(dest)
	if err != nil {
		return nil, err
	}

	return NewClickHouse(opts)
}

// ParseClickHouseURL turns a clickhouse:// URL into options. The port
// defaults to 9000 and the database to "default".
func ParseClickHouseURL(raw string) (ClickHouseOptions, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ClickHouseOptions{}, fmt.Errorf("datarecording: %w", err)
	}

	if u.Scheme != "clickhouse" || u.Hostname() == "" {
		return ClickHouseOptions{}, fmt.Errorf("datarecording: not a ClickHouse URL: %q", raw)
	}

	opts := ClickHouseOptions{
		Host:     u.Hostname(),
		Port:     9000,
		Database: strings.TrimPrefix(u.Path, "/"),
		Username: u.Query().Get("username"),
		Password: u.Query().Get("password"),
	}

	if p := u.Port(); p != "" {
		opts.Port, err = strconv.Atoi(p)
		if err != nil {
			return ClickHouseOptions{}, fmt.Errorf("datarecording: bad port %q", p)
		}
	}

	if opts.Database == "" {
		opts.Database = "default"
	}

	if b := u.Query().Get("batch"); b != "" {
		opts.BatchSize, err = strconv.Atoi(b)
		if err != nil {
			return ClickHouseOptions{}, fmt.Errorf("datarecording: bad batch size %q", b)
		}
	}

	return opts, nil
}
