package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kynex/loadforecast/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Both layouts are fixed width so lexical order in SQL equals time order.
const (
	tsLayout  = "2006-01-02T15:04:05Z"
	runLayout = "2006-01-02T15:04:05.000000000Z"
)

// Store wraps a SQLite database with customers, telemetry and retrain history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "loadforecast.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// --- Customers ---

// SaveCustomers inserts or replaces customers in one transaction.
func (s *Store) SaveCustomers(ctx context.Context, customers []Customer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning customer transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO customers (id, name, segment, city, contracted_power_kva, tariff, home_area_m2, household_size, has_solar, ev_count, price_eur_per_kwh, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, segment = excluded.segment, city = excluded.city,
			contracted_power_kva = excluded.contracted_power_kva, tariff = excluded.tariff,
			home_area_m2 = excluded.home_area_m2, household_size = excluded.household_size,
			has_solar = excluded.has_solar, ev_count = excluded.ev_count,
			price_eur_per_kwh = excluded.price_eur_per_kwh`)
	if err != nil {
		return fmt.Errorf("preparing customer insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range customers {
		created := c.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		_, err := stmt.ExecContext(ctx,
			c.ID, c.Name, c.Segment, c.City, c.ContractedPowerKVA, c.Tariff,
			nullFloat(c.HomeAreaM2), nullInt(c.HouseholdSize), nullBool(c.HasSolar), nullInt(c.EVCount),
			nullFloat(c.PriceEURPerKWh), formatTS(created),
		)
		if err != nil {
			return fmt.Errorf("saving customer %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

const customerColumns = `id, name, segment, city, contracted_power_kva, tariff, home_area_m2, household_size, has_solar, ev_count, price_eur_per_kwh, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(r rowScanner) (Customer, error) {
	var c Customer
	var area, price sql.NullFloat64
	var household, evs, solar sql.NullInt64
	var createdAt string
	if err := r.Scan(&c.ID, &c.Name, &c.Segment, &c.City, &c.ContractedPowerKVA, &c.Tariff,
		&area, &household, &solar, &evs, &price, &createdAt); err != nil {
		return Customer{}, err
	}
	c.HomeAreaM2 = floatPtr(area)
	c.HouseholdSize = intPtr(household)
	c.HasSolar = boolPtr(solar)
	c.EVCount = intPtr(evs)
	c.PriceEURPerKWh = floatPtr(price)
	created, err := parseTS(createdAt)
	if err != nil {
		return Customer{}, fmt.Errorf("parsing created_at for customer %s: %w", c.ID, err)
	}
	c.CreatedAt = created
	return c, nil
}

// GetCustomer returns one customer, ErrNotFound if it does not exist.
func (s *Store) GetCustomer(ctx context.Context, id string) (Customer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("getting customer %s: %w", id, err)
	}
	return c, nil
}

// ListCustomers returns every customer ordered by id.
func (s *Store) ListCustomers(ctx context.Context) ([]Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListProfiles returns the training profile of every customer.
func (s *Store) ListProfiles(ctx context.Context) ([]model.CustomerProfile, error) {
	customers, err := s.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.CustomerProfile, len(customers))
	for i, c := range customers {
		out[i] = c.CustomerProfile
	}
	return out, nil
}

// --- Telemetry ---

// InsertTelemetry appends samples in a single transaction.
func (s *Store) InsertTelemetry(ctx context.Context, samples []model.TelemetrySample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning telemetry transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO customer_telemetry_15m (customer_id, ts, watts, temp_c) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing telemetry insert: %w", err)
	}
	defer stmt.Close()

	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, smp.CustomerID, formatTS(smp.Timestamp), smp.Watts, nullFloat(smp.TempC)); err != nil {
			return fmt.Errorf("inserting telemetry for %s: %w", smp.CustomerID, err)
		}
	}
	return tx.Commit()
}

// LatestTimestamp returns the newest telemetry timestamp, nil when the table
// is empty.
func (s *Store) LatestTimestamp(ctx context.Context) (*time.Time, error) {
	return s.latest(ctx, `SELECT MAX(ts) FROM customer_telemetry_15m`)
}

// LatestTimestampFor returns the newest timestamp of one customer.
func (s *Store) LatestTimestampFor(ctx context.Context, customerID string) (*time.Time, error) {
	return s.latest(ctx, `SELECT MAX(ts) FROM customer_telemetry_15m WHERE customer_id = ?`, customerID)
}

func (s *Store) latest(ctx context.Context, query string, args ...any) (*time.Time, error) {
	var ts sql.NullString
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&ts); err != nil {
		return nil, err
	}
	if !ts.Valid {
		return nil, nil
	}
	t, err := parseTS(ts.String)
	if err != nil {
		return nil, fmt.Errorf("parsing ts: %w", err)
	}
	return &t, nil
}

// LatestByCustomer returns every customer with its newest telemetry
// timestamp, ordered by id.
func (s *Store) LatestByCustomer(ctx context.Context) ([]CustomerLatest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, MAX(t.ts)
		FROM customers c LEFT JOIN customer_telemetry_15m t ON t.customer_id = c.id
		GROUP BY c.id, c.name
		ORDER BY c.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CustomerLatest
	for rows.Next() {
		var cl CustomerLatest
		var ts sql.NullString
		if err := rows.Scan(&cl.CustomerID, &cl.Name, &ts); err != nil {
			return nil, err
		}
		if ts.Valid {
			t, err := parseTS(ts.String)
			if err != nil {
				return nil, fmt.Errorf("parsing ts for %s: %w", cl.CustomerID, err)
			}
			cl.Latest = &t
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

// Stream calls fn for every sample in [since, until] ordered by customer and
// time. An empty customerID streams all customers. Rows are read through a
// cursor, so memory does not grow with the window. fn must not call back into
// the store: the single connection is held until the cursor closes.
func (s *Store) Stream(ctx context.Context, customerID string, since, until time.Time, fn func(model.TelemetrySample) error) error {
	query := `SELECT customer_id, ts, watts, temp_c FROM customer_telemetry_15m WHERE ts >= ? AND ts <= ?`
	args := []any{formatTS(since), formatTS(until)}
	if customerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, customerID)
	}
	query += ` ORDER BY customer_id, ts`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying telemetry: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var smp model.TelemetrySample
		var ts string
		var temp sql.NullFloat64
		if err := rows.Scan(&smp.CustomerID, &ts, &smp.Watts, &temp); err != nil {
			return err
		}
		if smp.Timestamp, err = parseTS(ts); err != nil {
			return fmt.Errorf("parsing ts for %s: %w", smp.CustomerID, err)
		}
		smp.TempC = floatPtr(temp)
		if err := fn(smp); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountSince counts samples strictly newer than ts.
func (s *Store) CountSince(ctx context.Context, ts time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM customer_telemetry_15m WHERE ts > ?`, formatTS(ts)).Scan(&n)
	return n, err
}

// WattStats returns the peak and mean watts of one customer in [since, until].
// Both are 0 when the window holds no samples.
func (s *Store) WattStats(ctx context.Context, customerID string, since, until time.Time) (peak, avg float64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(watts), 0), COALESCE(AVG(watts), 0)
		FROM customer_telemetry_15m
		WHERE customer_id = ? AND ts >= ? AND ts <= ?`,
		customerID, formatTS(since), formatTS(until)).Scan(&peak, &avg)
	if err != nil {
		return 0, 0, fmt.Errorf("watt stats for %s: %w", customerID, err)
	}
	return peak, avg, nil
}

// --- Retrain runs ---

// RecordRetrainRun stores one scheduler attempt.
func (s *Store) RecordRetrainRun(ctx context.Context, run RetrainRun) error {
	var mae, rmse, r2 sql.NullFloat64
	if run.Metrics != nil {
		mae = sql.NullFloat64{Float64: run.Metrics.MAE, Valid: true}
		rmse = sql.NullFloat64{Float64: run.Metrics.RMSE, Valid: true}
		r2 = sql.NullFloat64{Float64: run.Metrics.R2, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retrain_runs (id, started_at, finished_at, outcome, reason, model_type, samples, mae, rmse, r2, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(runLayout), run.FinishedAt.UTC().Format(runLayout),
		run.Outcome, run.Reason, run.ModelType, run.Samples, mae, rmse, r2, run.Error,
	)
	return err
}

// RecentRetrainRuns returns the newest runs first.
func (s *Store) RecentRetrainRuns(ctx context.Context, limit int) ([]RetrainRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, outcome, reason, model_type, samples, mae, rmse, r2, error
		FROM retrain_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RetrainRun
	for rows.Next() {
		var r RetrainRun
		var started, finished string
		var mae, rmse, r2 sql.NullFloat64
		if err := rows.Scan(&r.ID, &started, &finished, &r.Outcome, &r.Reason, &r.ModelType, &r.Samples,
			&mae, &rmse, &r2, &r.Error); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
		}
		if mae.Valid {
			r.Metrics = &model.Metrics{MAE: mae.Float64, RMSE: rmse.Float64, R2: r2.Float64}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullBool(v *bool) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	if *v {
		return sql.NullInt64{Int64: 1, Valid: true}
	}
	return sql.NullInt64{Int64: 0, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}
