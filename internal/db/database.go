package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"energy-metrics-monitor/internal/models"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a device or import does not exist.
var ErrNotFound = errors.New("not found")

// tsLayout keeps stored timestamps lexically ordered.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_foreign_keys=on", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS imports (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		price_per_unit REAL NOT NULL,
		records INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		import_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		device_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		kvah REAL NOT NULL,
		kva REAL NOT NULL,
		kw REAL NOT NULL,
		kwh REAL NOT NULL,
		pf REAL NOT NULL,
		kvarh_lag REAL NOT NULL,
		kvarh_lead REAL NOT NULL,
		FOREIGN KEY (import_id) REFERENCES imports(id) ON DELETE CASCADE,
		FOREIGN KEY (device_id) REFERENCES devices(id)
	);

	CREATE INDEX IF NOT EXISTS idx_samples_import ON samples(import_id, position);
	CREATE INDEX IF NOT EXISTS idx_samples_device_ts ON samples(device_id, ts);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// InsertDevice adds a new device
func (db *Database) InsertDevice(d *models.Device) error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	query := `INSERT INTO devices (id, name, location) VALUES (?, ?, ?)`
	_, err := db.conn.Exec(query, d.ID, d.Name, d.Location)
	return err
}

// GetDevice retrieves a device by ID
func (db *Database) GetDevice(id string) (*models.Device, error) {
	query := `SELECT id, name, location, created_at FROM devices WHERE id = ?`

	var d models.Device
	err := db.conn.QueryRow(query, id).Scan(&d.ID, &d.Name, &d.Location, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDevices returns all devices
func (db *Database) ListDevices() ([]models.Device, error) {
	query := `SELECT id, name, location, created_at FROM devices ORDER BY name`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Location, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// CreateImport stores an import and its samples in one transaction. Missing
// devices are registered on the fly. The import id is generated when empty.
func (db *Database) CreateImport(imp *models.Import, samples models.SampleSequence) error {
	if imp.ID == "" {
		imp.ID = uuid.New().String()
	}
	if imp.CreatedAt.IsZero() {
		imp.CreatedAt = time.Now().UTC()
	}
	if imp.DeviceID == "" {
		imp.DeviceID = models.ImportedDeviceID
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	devStmt, err := tx.Prepare(`INSERT OR IGNORE INTO devices (id, name) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer devStmt.Close()

	seen := map[string]bool{}
	ensure := func(id string) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		_, err := devStmt.Exec(id, id)
		return err
	}

	if err := ensure(imp.DeviceID); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO imports (id, device_id, filename, price_per_unit, records, skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, imp.ID, imp.DeviceID, imp.Filename, imp.PricePerUnit, imp.Records, imp.Skipped, imp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert import: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO samples
		(import_id, position, device_id, ts, label, kvah, kva, kw, kwh, pf, kvarh_lag, kvarh_lead)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, s := range samples {
		if s.DeviceID == "" {
			s.DeviceID = imp.DeviceID
		}
		if err := ensure(s.DeviceID); err != nil {
			return fmt.Errorf("failed to register device: %w", err)
		}
		_, err := stmt.Exec(
			imp.ID, i, s.DeviceID, s.Timestamp.UTC().Format(tsLayout), s.Label,
			s.ApparentEnergy, s.ApparentPower, s.ActivePower, s.ActiveEnergy,
			s.PowerFactor, s.ReactiveEnergyLag, s.ReactiveEnergyLead,
		)
		if err != nil {
			return fmt.Errorf("failed to insert sample %d: %w", i, err)
		}
	}

	return tx.Commit()
}

const importColumns = `id, device_id, filename, price_per_unit, records, skipped, created_at`

// GetImport retrieves an import by ID
func (db *Database) GetImport(id string) (*models.Import, error) {
	var imp models.Import
	err := db.conn.QueryRow(`SELECT `+importColumns+` FROM imports WHERE id = ?`, id).Scan(
		&imp.ID, &imp.DeviceID, &imp.Filename, &imp.PricePerUnit,
		&imp.Records, &imp.Skipped, &imp.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("import %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &imp, nil
}

// ListImports returns all imports, newest first
func (db *Database) ListImports() ([]models.Import, error) {
	rows, err := db.conn.Query(`SELECT ` + importColumns + ` FROM imports ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var imports []models.Import
	for rows.Next() {
		var imp models.Import
		if err := rows.Scan(
			&imp.ID, &imp.DeviceID, &imp.Filename, &imp.PricePerUnit,
			&imp.Records, &imp.Skipped, &imp.CreatedAt,
		); err != nil {
			return nil, err
		}
		imports = append(imports, imp)
	}
	return imports, rows.Err()
}

// DeleteImport discards an import together with its samples
func (db *Database) DeleteImport(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM samples WHERE import_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM imports WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("import %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

const sampleColumns = `device_id, ts, label, kvah, kva, kw, kwh, pf, kvarh_lag, kvarh_lead`

// LoadSamples returns the samples of an import in their original order
func (db *Database) LoadSamples(importID string) (models.SampleSequence, error) {
	if _, err := db.GetImport(importID); err != nil {
		return nil, err
	}
	return db.QuerySamples(models.SampleQuery{ImportID: importID})
}

// QuerySamples retrieves samples based on query parameters. Results are in
// import order when filtered by import, otherwise in timestamp order.
func (db *Database) QuerySamples(q models.SampleQuery) (models.SampleSequence, error) {
	var conditions []string
	var args []interface{}

	baseQuery := `SELECT ` + sampleColumns + ` FROM samples`

	if q.ImportID != "" {
		conditions = append(conditions, "import_id = ?")
		args = append(args, q.ImportID)
	}
	if q.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "ts >= ?")
		args = append(args, q.StartTime.UTC().Format(tsLayout))
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "ts <= ?")
		args = append(args, q.EndTime.UTC().Format(tsLayout))
	}

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	if q.ImportID != "" {
		baseQuery += " ORDER BY position"
	} else {
		baseQuery += " ORDER BY ts, id"
	}

	if q.Limit > 0 {
		baseQuery += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			baseQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.Query(baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results models.SampleSequence
	for rows.Next() {
		var s models.EnergySample
		var ts string
		err := rows.Scan(
			&s.DeviceID, &ts, &s.Label, &s.ApparentEnergy, &s.ApparentPower,
			&s.ActivePower, &s.ActiveEnergy, &s.PowerFactor,
			&s.ReactiveEnergyLag, &s.ReactiveEnergyLead,
		)
		if err != nil {
			return nil, err
		}
		if s.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("invalid stored timestamp %q: %w", ts, err)
		}
		results = append(results, s)
	}

	return results, rows.Err()
}

// GetStats returns database statistics
func (db *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var devices, imports, samples int64
	var energy float64
	counts := []struct {
		key   string
		query string
		dst   interface{}
	}{
		{"total_devices", "SELECT COUNT(*) FROM devices", &devices},
		{"total_imports", "SELECT COUNT(*) FROM imports", &imports},
		{"total_samples", "SELECT COUNT(*) FROM samples", &samples},
		{"total_active_energy", "SELECT COALESCE(SUM(kwh), 0) FROM samples", &energy},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow(c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", c.key, err)
		}
	}

	stats["total_devices"] = devices
	stats["total_imports"] = imports
	stats["total_samples"] = samples
	stats["total_active_energy"] = energy
	return stats, nil
}
