package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without migrating it
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Conn exposes the underlying connection for ad-hoc read-only queries
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Telemetry pushed by devices
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		temperature REAL,
		humidity REAL,
		moisture_voltage REAL,
		light_lux REAL,
		water_detected INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_readings_device_time ON readings(device_id, timestamp);

	-- Command queue; rows are never deleted, executed flips once on delivery
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		action TEXT NOT NULL,
		executed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		delivered_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(device_id, executed);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Reading Operations ---

// InsertReading stores a telemetry reading and returns its id
func (db *DB) InsertReading(ctx context.Context, r *Reading) (int64, error) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	query := `INSERT INTO readings
		(device_id, timestamp, temperature, humidity, moisture_voltage, light_lux, water_detected)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.ExecContext(ctx, query, r.DeviceID, r.Timestamp, r.Temperature,
		r.Humidity, r.MoistureVoltage, r.LightLux, r.WaterDetected)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

// LatestReading returns the most recent reading for a device
func (db *DB) LatestReading(ctx context.Context, deviceID string) (*Reading, error) {
	query := `SELECT id, device_id, timestamp, temperature, humidity, moisture_voltage, light_lux, water_detected
		FROM readings WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`

	r, err := scanReading(db.conn.QueryRowContext(ctx, query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListReadings returns the most recent readings, newest first. An empty
// deviceID matches every device.
func (db *DB) ListReadings(ctx context.Context, deviceID string, limit int) ([]*Reading, error) {
	query := `SELECT id, device_id, timestamp, temperature, humidity, moisture_voltage, light_lux, water_detected
		FROM readings WHERE (? = '' OR device_id = ?)
		ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, deviceID, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (*Reading, error) {
	r := &Reading{}
	var temp, humidity, moisture, lux sql.NullFloat64
	var water sql.NullBool
	if err := row.Scan(&r.ID, &r.DeviceID, &r.Timestamp, &temp, &humidity, &moisture, &lux, &water); err != nil {
		return nil, err
	}
	r.Temperature = nullFloat(temp)
	r.Humidity = nullFloat(humidity)
	r.MoistureVoltage = nullFloat(moisture)
	r.LightLux = nullFloat(lux)
	if water.Valid {
		w := water.Bool
		r.WaterDetected = &w
	}
	return r, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// --- Command Operations ---

// InsertCommand queues a command for a device
func (db *DB) InsertCommand(ctx context.Context, deviceID, action string) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO commands (device_id, action, executed, created_at) VALUES (?, ?, 0, ?)",
		deviceID, action, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// TakePendingCommands returns every unconsumed command for a device in
// creation order and marks them consumed in the same transaction, so a
// command is delivered by at most one poll.
func (db *DB) TakePendingCommands(ctx context.Context, deviceID string) ([]*Command, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, device_id, action, executed, created_at, delivered_at
		FROM commands WHERE device_id = ? AND executed = 0 ORDER BY id`, deviceID)
	if err != nil {
		return nil, err
	}
	commands, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, cmd := range commands {
		res, err := tx.ExecContext(ctx,
			"UPDATE commands SET executed = 1, delivered_at = ? WHERE id = ? AND executed = 0", now, cmd.ID)
		if err != nil {
			return nil, fmt.Errorf("mark command %d: %w", cmd.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, fmt.Errorf("mark command %d: consumed concurrently", cmd.ID)
		}
		cmd.Executed = true
		delivered := now
		cmd.DeliveredAt = &delivered
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return commands, nil
}

// ListCommands returns commands newest first. An empty deviceID matches
// every device; pendingOnly restricts to unconsumed commands.
func (db *DB) ListCommands(ctx context.Context, deviceID string, pendingOnly bool, limit int) ([]*Command, error) {
	query := `SELECT id, device_id, action, executed, created_at, delivered_at
		FROM commands WHERE (? = '' OR device_id = ?) AND (? = 0 OR executed = 0)
		ORDER BY id DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, deviceID, deviceID, pendingOnly, limit)
	if err != nil {
		return nil, err
	}
	return scanCommands(rows)
}

func scanCommands(rows *sql.Rows) ([]*Command, error) {
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		cmd := &Command{}
		var delivered sql.NullTime
		if err := rows.Scan(&cmd.ID, &cmd.DeviceID, &cmd.Action, &cmd.Executed, &cmd.CreatedAt, &delivered); err != nil {
			return nil, err
		}
		if delivered.Valid {
			t := delivered.Time
			cmd.DeliveredAt = &t
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

// --- Statistics ---

// Stats returns row counts for the inspector and health endpoints
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM readings", &s.Readings},
		{"SELECT COUNT(DISTINCT device_id) FROM readings", &s.Devices},
		{"SELECT COUNT(*) FROM commands", &s.Commands},
		{"SELECT COUNT(*) FROM commands WHERE executed = 0", &s.PendingCommands},
	}
	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("%s: %w", q.query, err)
		}
	}
	return s, nil
}
