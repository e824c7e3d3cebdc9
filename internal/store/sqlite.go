package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/pharmaduty/duty-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS regions (
	id                  TEXT PRIMARY KEY,
	province_slug       TEXT NOT NULL,
	district            TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL,
	expected_unit_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE(province_slug, district)
);

CREATE TABLE IF NOT EXISTS sources (
	id               TEXT PRIMARY KEY,
	region_id        TEXT NOT NULL REFERENCES regions(id),
	name             TEXT NOT NULL,
	type             TEXT NOT NULL,
	authority_weight INTEGER NOT NULL DEFAULT 50,
	base_url         TEXT NOT NULL DEFAULT '',
	enabled          INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS source_endpoints (
	id            TEXT PRIMARY KEY,
	source_id     TEXT NOT NULL REFERENCES sources(id),
	endpoint_url  TEXT NOT NULL,
	format        TEXT NOT NULL DEFAULT '',
	parser_key    TEXT NOT NULL,
	is_primary    INTEGER NOT NULL DEFAULT 0,
	poll_schedule TEXT NOT NULL DEFAULT '',
	enabled       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	id            TEXT PRIMARY KEY,
	endpoint_id   TEXT NOT NULL REFERENCES source_endpoints(id),
	region_id     TEXT NOT NULL REFERENCES regions(id),
	status        TEXT NOT NULL,
	record_count  INTEGER NOT NULL DEFAULT 0,
	dropped_count INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME
);

CREATE TABLE IF NOT EXISTS pharmacies (
	id              TEXT PRIMARY KEY,
	region_id       TEXT NOT NULL REFERENCES regions(id),
	district        TEXT NOT NULL DEFAULT '',
	canonical_name  TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	address         TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	lat             REAL NOT NULL DEFAULT 0,
	lng             REAL NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS duty_records (
	id                        TEXT PRIMARY KEY,
	pharmacy_id               TEXT NOT NULL REFERENCES pharmacies(id),
	duty_date                 TEXT NOT NULL,
	address                   TEXT NOT NULL DEFAULT '',
	phone                     TEXT NOT NULL DEFAULT '',
	duty_hours                TEXT NOT NULL DEFAULT '',
	source                    TEXT NOT NULL DEFAULT '',
	confidence_score          INTEGER NOT NULL DEFAULT 0,
	verification_source_count INTEGER NOT NULL DEFAULT 0,
	is_degraded               INTEGER NOT NULL DEFAULT 0,
	updated_at                DATETIME NOT NULL,
	UNIQUE(pharmacy_id, duty_date)
);

CREATE TABLE IF NOT EXISTS duty_evidence (
	id             TEXT PRIMARY KEY,
	duty_record_id TEXT NOT NULL REFERENCES duty_records(id),
	source_id      TEXT NOT NULL,
	source_url     TEXT NOT NULL DEFAULT '',
	payload        TEXT NOT NULL DEFAULT '{}',
	fetched_at     DATETIME NOT NULL,
	UNIQUE(duty_record_id, source_id)
);

CREATE TABLE IF NOT EXISTS ingestion_alerts (
	id                 TEXT PRIMARY KEY,
	region_id          TEXT NOT NULL DEFAULT '',
	source_endpoint_id TEXT NOT NULL DEFAULT '',
	alert_type         TEXT NOT NULL,
	severity           TEXT NOT NULL,
	message            TEXT NOT NULL,
	payload            TEXT NOT NULL DEFAULT '{}',
	created_at         DATETIME NOT NULL,
	resolved_at        DATETIME,
	resolved_by        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS retry_queue (
	id              TEXT PRIMARY KEY,
	region_id       TEXT NOT NULL DEFAULT '',
	endpoint_id     TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	manual          INTEGER NOT NULL DEFAULT 0,
	next_attempt_at DATETIME NOT NULL,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sources_region ON sources(region_id);
CREATE INDEX IF NOT EXISTS idx_endpoints_source ON source_endpoints(source_id);
CREATE INDEX IF NOT EXISTS idx_runs_region_status ON ingestion_runs(region_id, status);
CREATE INDEX IF NOT EXISTS idx_runs_started ON ingestion_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_pharmacies_region_norm ON pharmacies(region_id, normalized_name);
CREATE INDEX IF NOT EXISTS idx_duty_records_date ON duty_records(duty_date);
CREATE INDEX IF NOT EXISTS idx_duty_evidence_record ON duty_evidence(duty_record_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_open_key
	ON ingestion_alerts(region_id, source_endpoint_id, alert_type) WHERE resolved_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uq_retry_pending_endpoint
	ON retry_queue(endpoint_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_queue(status, next_attempt_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Regions ---

func (s *SQLiteStore) GetRegion(ctx context.Context, id string) (*model.Region, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, province_slug, district, name, expected_unit_count
		 FROM regions WHERE id = ?`, id,
	)
	var r model.Region
	if err := row.Scan(&r.ID, &r.ProvinceSlug, &r.District, &r.Name, &r.ExpectedUnitCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get region %s", id)
	}
	return &r, nil
}

func (s *SQLiteStore) GetRegionBySlug(ctx context.Context, slug string) (*model.Region, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, province_slug, district, name, expected_unit_count
		 FROM regions WHERE province_slug = ? AND district = ''`, slug,
	)
	var r model.Region
	if err := row.Scan(&r.ID, &r.ProvinceSlug, &r.District, &r.Name, &r.ExpectedUnitCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get region %s", slug)
	}
	return &r, nil
}

func (s *SQLiteStore) ListProvinces(ctx context.Context) ([]model.Region, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, province_slug, district, name, expected_unit_count
		 FROM regions WHERE district = '' ORDER BY province_slug`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list provinces")
	}
	return scanRegions(rows)
}

func (s *SQLiteStore) ListDistricts(ctx context.Context, provinceSlug string) ([]model.Region, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, province_slug, district, name, expected_unit_count
		 FROM regions WHERE province_slug = ? AND district != '' ORDER BY district`, provinceSlug,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list districts %s", provinceSlug)
	}
	return scanRegions(rows)
}

func scanRegions(rows *sql.Rows) ([]model.Region, error) {
	defer rows.Close()
	var out []model.Region
	for rows.Next() {
		var r model.Region
		if err := rows.Scan(&r.ID, &r.ProvinceSlug, &r.District, &r.Name, &r.ExpectedUnitCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan region")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate regions")
}

func (s *SQLiteStore) UpsertRegion(ctx context.Context, r model.Region) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO regions (id, province_slug, district, name, expected_unit_count)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(province_slug, district) DO UPDATE SET
			name = excluded.name,
			expected_unit_count = excluded.expected_unit_count`,
		r.ID, r.ProvinceSlug, r.District, r.Name, r.ExpectedUnitCount,
	)
	return eris.Wrapf(err, "sqlite: upsert region %s/%s", r.ProvinceSlug, r.District)
}

// --- Sources and endpoints ---

func (s *SQLiteStore) ListSourcesByRegion(ctx context.Context, regionID string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, region_id, name, type, authority_weight, base_url, enabled
		 FROM sources WHERE region_id = ? ORDER BY authority_weight DESC`, regionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list sources %s", regionID)
	}
	defer rows.Close()
	var out []model.Source
	for rows.Next() {
		var src model.Source
		if err := rows.Scan(&src.ID, &src.RegionID, &src.Name, &src.Type, &src.AuthorityWeight, &src.BaseURL, &src.Enabled); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sources")
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, region_id, name, type, authority_weight, base_url, enabled
		 FROM sources WHERE id = ?`, id,
	)
	var src model.Source
	if err := row.Scan(&src.ID, &src.RegionID, &src.Name, &src.Type, &src.AuthorityWeight, &src.BaseURL, &src.Enabled); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get source %s", id)
	}
	return &src, nil
}

func (s *SQLiteStore) UpsertSource(ctx context.Context, src model.Source) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, region_id, name, type, authority_weight, base_url, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			authority_weight = excluded.authority_weight,
			base_url = excluded.base_url,
			enabled = excluded.enabled`,
		src.ID, src.RegionID, src.Name, string(src.Type), src.AuthorityWeight, src.BaseURL, src.Enabled,
	)
	return eris.Wrapf(err, "sqlite: upsert source %s", src.Name)
}

func (s *SQLiteStore) ListEnabledEndpoints(ctx context.Context, regionID string) ([]model.SourceEndpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.source_id, e.endpoint_url, e.format, e.parser_key, e.is_primary, e.poll_schedule, e.enabled
		 FROM source_endpoints e
		 JOIN sources src ON src.id = e.source_id
		 WHERE e.enabled = 1 AND src.enabled = 1 AND src.region_id = ?
		 ORDER BY e.is_primary DESC, e.id`, regionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list endpoints %s", regionID)
	}
	return scanEndpoints(rows)
}

func scanEndpoints(rows *sql.Rows) ([]model.SourceEndpoint, error) {
	defer rows.Close()
	var out []model.SourceEndpoint
	for rows.Next() {
		var e model.SourceEndpoint
		if err := rows.Scan(&e.ID, &e.SourceID, &e.EndpointURL, &e.Format, &e.ParserKey, &e.IsPrimary, &e.PollSchedule, &e.Enabled); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan endpoint")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate endpoints")
}

func (s *SQLiteStore) GetEndpoint(ctx context.Context, id string) (*model.SourceEndpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, endpoint_url, format, parser_key, is_primary, poll_schedule, enabled
		 FROM source_endpoints WHERE id = ?`, id,
	)
	var e model.SourceEndpoint
	if err := row.Scan(&e.ID, &e.SourceID, &e.EndpointURL, &e.Format, &e.ParserKey, &e.IsPrimary, &e.PollSchedule, &e.Enabled); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get endpoint %s", id)
	}
	return &e, nil
}

func (s *SQLiteStore) UpsertEndpoint(ctx context.Context, e model.SourceEndpoint) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_endpoints (id, source_id, endpoint_url, format, parser_key, is_primary, poll_schedule, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			endpoint_url = excluded.endpoint_url,
			format = excluded.format,
			parser_key = excluded.parser_key,
			is_primary = excluded.is_primary,
			poll_schedule = excluded.poll_schedule,
			enabled = excluded.enabled`,
		e.ID, e.SourceID, e.EndpointURL, e.Format, e.ParserKey, e.IsPrimary, e.PollSchedule, e.Enabled,
	)
	return eris.Wrapf(err, "sqlite: upsert endpoint %s", e.EndpointURL)
}

// --- Ingestion runs ---

func (s *SQLiteStore) InsertIngestionRun(ctx context.Context, run model.IngestionRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_runs (id, endpoint_id, region_id, status, record_count, dropped_count, error, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.EndpointID, run.RegionID, string(run.Status), run.RecordCount, run.DroppedCount, run.Error, run.StartedAt,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) CompleteIngestionRun(ctx context.Context, run model.IngestionRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs
		 SET status = ?, record_count = ?, dropped_count = ?, error = ?, finished_at = ?
		 WHERE id = ? AND finished_at IS NULL`,
		string(run.Status), run.RecordCount, run.DroppedCount, run.Error, run.FinishedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", run.ID)
	}
	return checkRowsAffected(res, "ingestion run", run.ID)
}

func (s *SQLiteStore) LastSuccessfulPrimaryRun(ctx context.Context, regionID string) (*time.Time, error) {
	// Selecting the column instead of MAX() keeps the driver's
	// declared-type timestamp decoding; aggregates come back as TEXT.
	row := s.db.QueryRowContext(ctx,
		`SELECT r.finished_at
		 FROM ingestion_runs r
		 JOIN source_endpoints e ON e.id = r.endpoint_id
		 WHERE r.region_id = ? AND r.status = 'success' AND e.is_primary = 1
		 ORDER BY r.finished_at DESC
		 LIMIT 1`, regionID,
	)
	var ts sql.NullTime
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: last successful primary run %s", regionID)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time.UTC()
	return &t, nil
}

func (s *SQLiteStore) ListIngestionRuns(ctx context.Context, endpointID string, limit int) ([]model.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, endpoint_id, region_id, status, record_count, dropped_count, error, started_at, finished_at
		 FROM ingestion_runs
		 WHERE endpoint_id = ?
		 ORDER BY started_at DESC
		 LIMIT ?`, endpointID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list runs for endpoint %s", endpointID)
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.IngestionRun
	for rows.Next() {
		var run model.IngestionRun
		var status string
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.EndpointID, &run.RegionID, &status,
			&run.RecordCount, &run.DroppedCount, &run.Error, &run.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ingestion run")
		}
		run.Status = model.RunStatus(status)
		run.StartedAt = run.StartedAt.UTC()
		if finished.Valid {
			t := finished.Time.UTC()
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate ingestion runs")
}

func (s *SQLiteStore) DeleteIngestionRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ingestion_runs WHERE started_at < ?`, cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete old runs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Pharmacies ---

func (s *SQLiteStore) ListPharmaciesByRegion(ctx context.Context, regionID string) ([]model.Pharmacy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, region_id, district, canonical_name, normalized_name, address, phone, lat, lng, created_at, updated_at
		 FROM pharmacies WHERE region_id = ? ORDER BY normalized_name`, regionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list pharmacies %s", regionID)
	}
	defer rows.Close()
	var out []model.Pharmacy
	for rows.Next() {
		var p model.Pharmacy
		if err := rows.Scan(&p.ID, &p.RegionID, &p.District, &p.CanonicalName, &p.NormalizedName,
			&p.Address, &p.Phone, &p.Lat, &p.Lng, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pharmacy")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate pharmacies")
}

func (s *SQLiteStore) GetPharmacy(ctx context.Context, id string) (*model.Pharmacy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, region_id, district, canonical_name, normalized_name, address, phone, lat, lng, created_at, updated_at
		 FROM pharmacies WHERE id = ?`, id,
	)
	var p model.Pharmacy
	if err := row.Scan(&p.ID, &p.RegionID, &p.District, &p.CanonicalName, &p.NormalizedName,
		&p.Address, &p.Phone, &p.Lat, &p.Lng, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get pharmacy %s", id)
	}
	return &p, nil
}

func (s *SQLiteStore) CreatePharmacy(ctx context.Context, p model.Pharmacy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pharmacies (id, region_id, district, canonical_name, normalized_name, address, phone, lat, lng, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RegionID, p.District, p.CanonicalName, p.NormalizedName, p.Address, p.Phone, p.Lat, p.Lng, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: create pharmacy %s", p.CanonicalName)
}

func (s *SQLiteStore) UpdatePharmacyContact(ctx context.Context, id, address, phone string, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pharmacies SET address = ?, phone = ?, updated_at = ? WHERE id = ?`,
		address, phone, updatedAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update pharmacy contact %s", id)
	}
	return checkRowsAffected(res, "pharmacy", id)
}

func (s *SQLiteStore) DeletePharmacy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pharmacies WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete pharmacy %s", id)
}

// --- Duty records and evidence ---

func (s *SQLiteStore) EnsureDutyRecord(ctx context.Context, pharmacyID, dutyDate string) (*model.DutyRecord, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO duty_records (id, pharmacy_id, duty_date, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(pharmacy_id, duty_date) DO NOTHING`,
		uuid.New().String(), pharmacyID, dutyDate, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure duty record %s/%s", pharmacyID, dutyDate)
	}
	return s.GetDutyRecord(ctx, pharmacyID, dutyDate)
}

func (s *SQLiteStore) GetDutyRecord(ctx context.Context, pharmacyID, dutyDate string) (*model.DutyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pharmacy_id, duty_date, address, phone, duty_hours, source,
			confidence_score, verification_source_count, is_degraded, updated_at
		 FROM duty_records WHERE pharmacy_id = ? AND duty_date = ?`, pharmacyID, dutyDate,
	)
	var r model.DutyRecord
	if err := row.Scan(&r.ID, &r.PharmacyID, &r.DutyDate, &r.Address, &r.Phone, &r.DutyHours, &r.Source,
		&r.ConfidenceScore, &r.VerificationSourceCount, &r.IsDegraded, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get duty record %s/%s", pharmacyID, dutyDate)
	}
	return &r, nil
}

func (s *SQLiteStore) UpdateDutyRecord(ctx context.Context, rec model.DutyRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE duty_records
		 SET address = ?, phone = ?, duty_hours = ?, source = ?, confidence_score = ?,
			verification_source_count = ?, is_degraded = ?, updated_at = ?
		 WHERE id = ?`,
		rec.Address, rec.Phone, rec.DutyHours, rec.Source, rec.ConfidenceScore,
		rec.VerificationSourceCount, rec.IsDegraded, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update duty record %s", rec.ID)
	}
	return checkRowsAffected(res, "duty record", rec.ID)
}

func (s *SQLiteStore) ListDutyRecordsByRegion(ctx context.Context, regionID, dutyDate string) ([]model.DutyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.pharmacy_id, d.duty_date, d.address, d.phone, d.duty_hours, d.source,
			d.confidence_score, d.verification_source_count, d.is_degraded, d.updated_at
		 FROM duty_records d
		 JOIN pharmacies p ON p.id = d.pharmacy_id
		 WHERE p.region_id = ? AND d.duty_date = ?
		 ORDER BY p.district, p.normalized_name`, regionID, dutyDate,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list duty records %s/%s", regionID, dutyDate)
	}
	defer rows.Close()
	var out []model.DutyRecord
	for rows.Next() {
		var r model.DutyRecord
		if err := rows.Scan(&r.ID, &r.PharmacyID, &r.DutyDate, &r.Address, &r.Phone, &r.DutyHours, &r.Source,
			&r.ConfidenceScore, &r.VerificationSourceCount, &r.IsDegraded, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan duty record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate duty records")
}

func (s *SQLiteStore) ReplaceDutyEvidence(ctx context.Context, ev model.DutyEvidence) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO duty_evidence (id, duty_record_id, source_id, source_url, payload, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(duty_record_id, source_id) DO UPDATE SET
			source_url = excluded.source_url,
			payload = excluded.payload,
			fetched_at = excluded.fetched_at`,
		ev.ID, ev.DutyRecordID, ev.SourceID, ev.SourceURL, string(payloadJSON), ev.FetchedAt,
	)
	return eris.Wrapf(err, "sqlite: replace evidence %s/%s", ev.DutyRecordID, ev.SourceID)
}

func (s *SQLiteStore) ListDutyEvidence(ctx context.Context, dutyRecordID string) ([]model.DutyEvidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, duty_record_id, source_id, source_url, payload, fetched_at
		 FROM duty_evidence WHERE duty_record_id = ? ORDER BY fetched_at DESC`, dutyRecordID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list evidence %s", dutyRecordID)
	}
	defer rows.Close()
	var out []model.DutyEvidence
	for rows.Next() {
		var ev model.DutyEvidence
		var payloadJSON string
		if err := rows.Scan(&ev.ID, &ev.DutyRecordID, &ev.SourceID, &ev.SourceURL, &payloadJSON, &ev.FetchedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal evidence payload %s", ev.ID)
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate evidence")
}

// --- Alerts ---

func (s *SQLiteStore) InsertAlertIfAbsent(ctx context.Context, alert model.IngestionAlert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	payloadJSON, err := json.Marshal(alert.Payload)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal alert payload")
	}
	// The partial unique index on unresolved (endpoint, type) makes this
	// a no-op when an open alert already exists.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_alerts (id, region_id, source_endpoint_id, alert_type, severity, message, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(region_id, source_endpoint_id, alert_type) WHERE resolved_at IS NULL DO NOTHING`,
		alert.ID, alert.RegionID, alert.SourceEndpointID, string(alert.Type), string(alert.Severity),
		alert.Message, string(payloadJSON), alert.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert alert %s/%s", alert.SourceEndpointID, alert.Type)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ResolveAlert(ctx context.Context, id, resolvedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_alerts SET resolved_at = ?, resolved_by = ?
		 WHERE id = ? AND resolved_at IS NULL`,
		time.Now().UTC(), resolvedBy, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: resolve alert %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListOpenAlerts(ctx context.Context, filter AlertFilter) ([]model.IngestionAlert, error) {
	query := `SELECT id, region_id, source_endpoint_id, alert_type, severity, message, payload, created_at, resolved_at, resolved_by
		 FROM ingestion_alerts WHERE resolved_at IS NULL`
	args := []any{}
	if filter.RegionID != "" {
		query += ` AND region_id = ?`
		args = append(args, filter.RegionID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list open alerts")
	}
	return scanAlerts(rows)
}

func scanAlerts(rows *sql.Rows) ([]model.IngestionAlert, error) {
	defer rows.Close()
	var out []model.IngestionAlert
	for rows.Next() {
		var a model.IngestionAlert
		var payloadJSON string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.RegionID, &a.SourceEndpointID, &a.Type, &a.Severity,
			&a.Message, &payloadJSON, &a.CreatedAt, &resolvedAt, &a.ResolvedBy); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time.UTC()
			a.ResolvedAt = &t
		}
		if err := json.Unmarshal([]byte(payloadJSON), &a.Payload); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal alert payload %s", a.ID)
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate alerts")
}

func (s *SQLiteStore) LatestOpenAlertForRegion(ctx context.Context, regionID string) (*model.IngestionAlert, error) {
	alerts, err := s.ListOpenAlerts(ctx, AlertFilter{RegionID: regionID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return &alerts[0], nil
}

// --- Retry queue ---

func (s *SQLiteStore) EnqueueRetry(ctx context.Context, entry model.RetryQueueEntry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	// A pending entry per endpoint is unique; a manual request pulls an
	// existing pending entry forward instead of duplicating it.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_queue (id, region_id, endpoint_id, status, attempt_count, manual, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint_id) WHERE status = 'pending' DO UPDATE SET
			manual = retry_queue.manual OR excluded.manual,
			next_attempt_at = CASE
				WHEN excluded.manual AND excluded.next_attempt_at < retry_queue.next_attempt_at
				THEN excluded.next_attempt_at
				ELSE retry_queue.next_attempt_at
			END,
			updated_at = excluded.updated_at`,
		entry.ID, entry.RegionID, entry.EndpointID, entry.AttemptCount, entry.Manual,
		entry.NextAttemptAt, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: enqueue retry %s", entry.EndpointID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) DuePendingRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, region_id, endpoint_id, status, attempt_count, manual, next_attempt_at, created_at, updated_at
		 FROM retry_queue
		 WHERE status = 'pending' AND next_attempt_at <= ?
		 ORDER BY manual DESC, next_attempt_at ASC
		 LIMIT ?`, now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due retries")
	}
	defer rows.Close()
	var out []model.RetryQueueEntry
	for rows.Next() {
		var e model.RetryQueueEntry
		if err := rows.Scan(&e.ID, &e.RegionID, &e.EndpointID, &e.Status, &e.AttemptCount,
			&e.Manual, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retry entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate retries")
}

func (s *SQLiteStore) UpdateRetryEntry(ctx context.Context, entry model.RetryQueueEntry) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_queue
		 SET status = ?, attempt_count = ?, manual = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(entry.Status), entry.AttemptCount, entry.Manual, entry.NextAttemptAt, entry.UpdatedAt, entry.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update retry entry %s", entry.ID)
	}
	return checkRowsAffected(res, "retry entry", entry.ID)
}

// --- Coverage ---

func (s *SQLiteStore) CountDutyDistricts(ctx context.Context, provinceSlug, dutyDate string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT p.district)
		 FROM duty_records d
		 JOIN pharmacies p ON p.id = d.pharmacy_id
		 JOIN regions r ON r.id = p.region_id
		 WHERE r.province_slug = ? AND d.duty_date = ? AND p.district != ''`,
		provinceSlug, dutyDate,
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "sqlite: count duty districts %s/%s", provinceSlug, dutyDate)
	}
	return n, nil
}

func (s *SQLiteStore) LastDutyUpdate(ctx context.Context, provinceSlug, dutyDate string) (*time.Time, error) {
	// Same MAX() TEXT pitfall as LastSuccessfulPrimaryRun.
	row := s.db.QueryRowContext(ctx,
		`SELECT d.updated_at
		 FROM duty_records d
		 JOIN pharmacies p ON p.id = d.pharmacy_id
		 JOIN regions r ON r.id = p.region_id
		 WHERE r.province_slug = ? AND d.duty_date = ?
		 ORDER BY d.updated_at DESC
		 LIMIT 1`,
		provinceSlug, dutyDate,
	)
	var ts sql.NullTime
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: last duty update %s/%s", provinceSlug, dutyDate)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time.UTC()
	return &t, nil
}

// checkRowsAffected returns an error when an update matched no rows.
func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Errorf("sqlite: %s %s not found", entity, id)
	}
	return nil
}
