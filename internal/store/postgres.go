package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/pharmaduty/duty-engine/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies
// it for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
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
	enabled          BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS source_endpoints (
	id            TEXT PRIMARY KEY,
	source_id     TEXT NOT NULL REFERENCES sources(id),
	endpoint_url  TEXT NOT NULL,
	format        TEXT NOT NULL DEFAULT '',
	parser_key    TEXT NOT NULL,
	is_primary    BOOLEAN NOT NULL DEFAULT FALSE,
	poll_schedule TEXT NOT NULL DEFAULT '',
	enabled       BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	id            TEXT PRIMARY KEY,
	endpoint_id   TEXT NOT NULL REFERENCES source_endpoints(id),
	region_id     TEXT NOT NULL REFERENCES regions(id),
	status        TEXT NOT NULL,
	record_count  INTEGER NOT NULL DEFAULT 0,
	dropped_count INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS pharmacies (
	id              TEXT PRIMARY KEY,
	region_id       TEXT NOT NULL REFERENCES regions(id),
	district        TEXT NOT NULL DEFAULT '',
	canonical_name  TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	address         TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	lat             DOUBLE PRECISION NOT NULL DEFAULT 0,
	lng             DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
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
	is_degraded               BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at                TIMESTAMPTZ NOT NULL,
	UNIQUE(pharmacy_id, duty_date)
);

CREATE TABLE IF NOT EXISTS duty_evidence (
	id             TEXT PRIMARY KEY,
	duty_record_id TEXT NOT NULL REFERENCES duty_records(id),
	source_id      TEXT NOT NULL,
	source_url     TEXT NOT NULL DEFAULT '',
	payload        JSONB NOT NULL DEFAULT '{}',
	fetched_at     TIMESTAMPTZ NOT NULL,
	UNIQUE(duty_record_id, source_id)
);

CREATE TABLE IF NOT EXISTS ingestion_alerts (
	id                 TEXT PRIMARY KEY,
	region_id          TEXT NOT NULL DEFAULT '',
	source_endpoint_id TEXT NOT NULL DEFAULT '',
	alert_type         TEXT NOT NULL,
	severity           TEXT NOT NULL,
	message            TEXT NOT NULL,
	payload            JSONB NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL,
	resolved_at        TIMESTAMPTZ,
	resolved_by        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS retry_queue (
	id              TEXT PRIMARY KEY,
	region_id       TEXT NOT NULL DEFAULT '',
	endpoint_id     TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	manual          BOOLEAN NOT NULL DEFAULT FALSE,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
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

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Regions ---

func (s *PostgresStore) GetRegion(ctx context.Context, id string) (*model.Region, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, province_slug, district, name, expected_unit_count
		 FROM regions WHERE id = $1`, id,
	)
	var r model.Region
	if err := row.Scan(&r.ID, &r.ProvinceSlug, &r.District, &r.Name, &r.ExpectedUnitCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get region %s", id)
	}
	return &r, nil
}

func (s *PostgresStore) GetRegionBySlug(ctx context.Context, slug string) (*model.Region, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, province_slug, district, name, expected_unit_count
		 FROM regions WHERE province_slug = $1 AND district = ''`, slug,
	)
	var r model.Region
	if err := row.Scan(&r.ID, &r.ProvinceSlug, &r.District, &r.Name, &r.ExpectedUnitCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get region %s", slug)
	}
	return &r, nil
}

func (s *PostgresStore) ListProvinces(ctx context.Context) ([]model.Region, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, province_slug, district, name, expected_unit_count
		 FROM regions WHERE district = '' ORDER BY province_slug`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list provinces")
	}
	return collectRegions(rows)
}

func (s *PostgresStore) ListDistricts(ctx context.Context, provinceSlug string) ([]model.Region, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, province_slug, district, name, expected_unit_count
		 FROM regions WHERE province_slug = $1 AND district != '' ORDER BY district`, provinceSlug,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list districts %s", provinceSlug)
	}
	return collectRegions(rows)
}

func collectRegions(rows pgx.Rows) ([]model.Region, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Region, error) {
		var r model.Region
		err := row.Scan(&r.ID, &r.ProvinceSlug, &r.District, &r.Name, &r.ExpectedUnitCount)
		return r, err
	})
	return out, eris.Wrap(err, "postgres: collect regions")
}

func (s *PostgresStore) UpsertRegion(ctx context.Context, r model.Region) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO regions (id, province_slug, district, name, expected_unit_count)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(province_slug, district) DO UPDATE SET
			name = EXCLUDED.name,
			expected_unit_count = EXCLUDED.expected_unit_count`,
		r.ID, r.ProvinceSlug, r.District, r.Name, r.ExpectedUnitCount,
	)
	return eris.Wrapf(err, "postgres: upsert region %s/%s", r.ProvinceSlug, r.District)
}

// --- Sources and endpoints ---

func (s *PostgresStore) ListSourcesByRegion(ctx context.Context, regionID string) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, region_id, name, type, authority_weight, base_url, enabled
		 FROM sources WHERE region_id = $1 ORDER BY authority_weight DESC`, regionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list sources %s", regionID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Source, error) {
		var src model.Source
		err := row.Scan(&src.ID, &src.RegionID, &src.Name, &src.Type, &src.AuthorityWeight, &src.BaseURL, &src.Enabled)
		return src, err
	})
	return out, eris.Wrap(err, "postgres: collect sources")
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, region_id, name, type, authority_weight, base_url, enabled
		 FROM sources WHERE id = $1`, id,
	)
	var src model.Source
	if err := row.Scan(&src.ID, &src.RegionID, &src.Name, &src.Type, &src.AuthorityWeight, &src.BaseURL, &src.Enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get source %s", id)
	}
	return &src, nil
}

func (s *PostgresStore) UpsertSource(ctx context.Context, src model.Source) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sources (id, region_id, name, type, authority_weight, base_url, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			authority_weight = EXCLUDED.authority_weight,
			base_url = EXCLUDED.base_url,
			enabled = EXCLUDED.enabled`,
		src.ID, src.RegionID, src.Name, string(src.Type), src.AuthorityWeight, src.BaseURL, src.Enabled,
	)
	return eris.Wrapf(err, "postgres: upsert source %s", src.Name)
}

func (s *PostgresStore) ListEnabledEndpoints(ctx context.Context, regionID string) ([]model.SourceEndpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.source_id, e.endpoint_url, e.format, e.parser_key, e.is_primary, e.poll_schedule, e.enabled
		 FROM source_endpoints e
		 JOIN sources src ON src.id = e.source_id
		 WHERE e.enabled AND src.enabled AND src.region_id = $1
		 ORDER BY e.is_primary DESC, e.id`, regionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list endpoints %s", regionID)
	}
	out, err := pgx.CollectRows(rows, collectEndpoint)
	return out, eris.Wrap(err, "postgres: collect endpoints")
}

func collectEndpoint(row pgx.CollectableRow) (model.SourceEndpoint, error) {
	var e model.SourceEndpoint
	err := row.Scan(&e.ID, &e.SourceID, &e.EndpointURL, &e.Format, &e.ParserKey, &e.IsPrimary, &e.PollSchedule, &e.Enabled)
	return e, err
}

func (s *PostgresStore) GetEndpoint(ctx context.Context, id string) (*model.SourceEndpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_id, endpoint_url, format, parser_key, is_primary, poll_schedule, enabled
		 FROM source_endpoints WHERE id = $1`, id,
	)
	var e model.SourceEndpoint
	if err := row.Scan(&e.ID, &e.SourceID, &e.EndpointURL, &e.Format, &e.ParserKey, &e.IsPrimary, &e.PollSchedule, &e.Enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get endpoint %s", id)
	}
	return &e, nil
}

func (s *PostgresStore) UpsertEndpoint(ctx context.Context, e model.SourceEndpoint) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_endpoints (id, source_id, endpoint_url, format, parser_key, is_primary, poll_schedule, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT(id) DO UPDATE SET
			endpoint_url = EXCLUDED.endpoint_url,
			format = EXCLUDED.format,
			parser_key = EXCLUDED.parser_key,
			is_primary = EXCLUDED.is_primary,
			poll_schedule = EXCLUDED.poll_schedule,
			enabled = EXCLUDED.enabled`,
		e.ID, e.SourceID, e.EndpointURL, e.Format, e.ParserKey, e.IsPrimary, e.PollSchedule, e.Enabled,
	)
	return eris.Wrapf(err, "postgres: upsert endpoint %s", e.EndpointURL)
}

// --- Ingestion runs ---

func (s *PostgresStore) InsertIngestionRun(ctx context.Context, run model.IngestionRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_runs (id, endpoint_id, region_id, status, record_count, dropped_count, error, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.EndpointID, run.RegionID, string(run.Status), run.RecordCount, run.DroppedCount, run.Error, run.StartedAt,
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) CompleteIngestionRun(ctx context.Context, run model.IngestionRun) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_runs
		 SET status = $1, record_count = $2, dropped_count = $3, error = $4, finished_at = $5
		 WHERE id = $6 AND finished_at IS NULL`,
		string(run.Status), run.RecordCount, run.DroppedCount, run.Error, run.FinishedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: ingestion run %s not found or already finished", run.ID)
	}
	return nil
}

func (s *PostgresStore) LastSuccessfulPrimaryRun(ctx context.Context, regionID string) (*time.Time, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT MAX(r.finished_at)
		 FROM ingestion_runs r
		 JOIN source_endpoints e ON e.id = r.endpoint_id
		 WHERE r.region_id = $1 AND r.status = 'success' AND e.is_primary`, regionID,
	)
	var ts *time.Time
	if err := row.Scan(&ts); err != nil {
		return nil, eris.Wrapf(err, "postgres: last successful primary run %s", regionID)
	}
	return ts, nil
}

func (s *PostgresStore) ListIngestionRuns(ctx context.Context, endpointID string, limit int) ([]model.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, endpoint_id, region_id, status, record_count, dropped_count, error, started_at, finished_at
		 FROM ingestion_runs
		 WHERE endpoint_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`, endpointID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list runs for endpoint %s", endpointID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.IngestionRun, error) {
		var run model.IngestionRun
		var status string
		err := row.Scan(&run.ID, &run.EndpointID, &run.RegionID, &status,
			&run.RecordCount, &run.DroppedCount, &run.Error, &run.StartedAt, &run.FinishedAt)
		run.Status = model.RunStatus(status)
		return run, err
	})
	return out, eris.Wrap(err, "postgres: collect ingestion runs")
}

func (s *PostgresStore) DeleteIngestionRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ingestion_runs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete old runs")
	}
	return int(tag.RowsAffected()), nil
}

// --- Pharmacies ---

func (s *PostgresStore) ListPharmaciesByRegion(ctx context.Context, regionID string) ([]model.Pharmacy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, region_id, district, canonical_name, normalized_name, address, phone, lat, lng, created_at, updated_at
		 FROM pharmacies WHERE region_id = $1 ORDER BY normalized_name`, regionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list pharmacies %s", regionID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Pharmacy, error) {
		var p model.Pharmacy
		err := row.Scan(&p.ID, &p.RegionID, &p.District, &p.CanonicalName, &p.NormalizedName,
			&p.Address, &p.Phone, &p.Lat, &p.Lng, &p.CreatedAt, &p.UpdatedAt)
		return p, err
	})
	return out, eris.Wrap(err, "postgres: collect pharmacies")
}

func (s *PostgresStore) GetPharmacy(ctx context.Context, id string) (*model.Pharmacy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, region_id, district, canonical_name, normalized_name, address, phone, lat, lng, created_at, updated_at
		 FROM pharmacies WHERE id = $1`, id,
	)
	var p model.Pharmacy
	if err := row.Scan(&p.ID, &p.RegionID, &p.District, &p.CanonicalName, &p.NormalizedName,
		&p.Address, &p.Phone, &p.Lat, &p.Lng, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get pharmacy %s", id)
	}
	return &p, nil
}

func (s *PostgresStore) CreatePharmacy(ctx context.Context, p model.Pharmacy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pharmacies (id, region_id, district, canonical_name, normalized_name, address, phone, lat, lng, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.RegionID, p.District, p.CanonicalName, p.NormalizedName, p.Address, p.Phone, p.Lat, p.Lng, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: create pharmacy %s", p.CanonicalName)
}

func (s *PostgresStore) UpdatePharmacyContact(ctx context.Context, id, address, phone string, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pharmacies SET address = $1, phone = $2, updated_at = $3 WHERE id = $4`,
		address, phone, updatedAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update pharmacy contact %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: pharmacy %s not found", id)
	}
	return nil
}

func (s *PostgresStore) DeletePharmacy(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pharmacies WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete pharmacy %s", id)
}

// --- Duty records and evidence ---

func (s *PostgresStore) EnsureDutyRecord(ctx context.Context, pharmacyID, dutyDate string) (*model.DutyRecord, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO duty_records (id, pharmacy_id, duty_date, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT(pharmacy_id, duty_date) DO NOTHING`,
		uuid.New().String(), pharmacyID, dutyDate, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure duty record %s/%s", pharmacyID, dutyDate)
	}
	return s.GetDutyRecord(ctx, pharmacyID, dutyDate)
}

func (s *PostgresStore) GetDutyRecord(ctx context.Context, pharmacyID, dutyDate string) (*model.DutyRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, pharmacy_id, duty_date, address, phone, duty_hours, source,
			confidence_score, verification_source_count, is_degraded, updated_at
		 FROM duty_records WHERE pharmacy_id = $1 AND duty_date = $2`, pharmacyID, dutyDate,
	)
	var r model.DutyRecord
	if err := row.Scan(&r.ID, &r.PharmacyID, &r.DutyDate, &r.Address, &r.Phone, &r.DutyHours, &r.Source,
		&r.ConfidenceScore, &r.VerificationSourceCount, &r.IsDegraded, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get duty record %s/%s", pharmacyID, dutyDate)
	}
	return &r, nil
}

func (s *PostgresStore) UpdateDutyRecord(ctx context.Context, rec model.DutyRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE duty_records
		 SET address = $1, phone = $2, duty_hours = $3, source = $4, confidence_score = $5,
			verification_source_count = $6, is_degraded = $7, updated_at = $8
		 WHERE id = $9`,
		rec.Address, rec.Phone, rec.DutyHours, rec.Source, rec.ConfidenceScore,
		rec.VerificationSourceCount, rec.IsDegraded, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update duty record %s", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: duty record %s not found", rec.ID)
	}
	return nil
}

func (s *PostgresStore) ListDutyRecordsByRegion(ctx context.Context, regionID, dutyDate string) ([]model.DutyRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT d.id, d.pharmacy_id, d.duty_date, d.address, d.phone, d.duty_hours, d.source,
			d.confidence_score, d.verification_source_count, d.is_degraded, d.updated_at
		 FROM duty_records d
		 JOIN pharmacies p ON p.id = d.pharmacy_id
		 WHERE p.region_id = $1 AND d.duty_date = $2
		 ORDER BY p.district, p.normalized_name`, regionID, dutyDate,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list duty records %s/%s", regionID, dutyDate)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DutyRecord, error) {
		var r model.DutyRecord
		err := row.Scan(&r.ID, &r.PharmacyID, &r.DutyDate, &r.Address, &r.Phone, &r.DutyHours, &r.Source,
			&r.ConfidenceScore, &r.VerificationSourceCount, &r.IsDegraded, &r.UpdatedAt)
		return r, err
	})
	return out, eris.Wrap(err, "postgres: collect duty records")
}

func (s *PostgresStore) ReplaceDutyEvidence(ctx context.Context, ev model.DutyEvidence) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO duty_evidence (id, duty_record_id, source_id, source_url, payload, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(duty_record_id, source_id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at`,
		ev.ID, ev.DutyRecordID, ev.SourceID, ev.SourceURL, ev.Payload, ev.FetchedAt,
	)
	return eris.Wrapf(err, "postgres: replace evidence %s/%s", ev.DutyRecordID, ev.SourceID)
}

func (s *PostgresStore) ListDutyEvidence(ctx context.Context, dutyRecordID string) ([]model.DutyEvidence, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, duty_record_id, source_id, source_url, payload, fetched_at
		 FROM duty_evidence WHERE duty_record_id = $1 ORDER BY fetched_at DESC`, dutyRecordID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list evidence %s", dutyRecordID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DutyEvidence, error) {
		var ev model.DutyEvidence
		err := row.Scan(&ev.ID, &ev.DutyRecordID, &ev.SourceID, &ev.SourceURL, &ev.Payload, &ev.FetchedAt)
		return ev, err
	})
	return out, eris.Wrap(err, "postgres: collect evidence")
}

// --- Alerts ---

func (s *PostgresStore) InsertAlertIfAbsent(ctx context.Context, alert model.IngestionAlert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_alerts (id, region_id, source_endpoint_id, alert_type, severity, message, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT(region_id, source_endpoint_id, alert_type) WHERE resolved_at IS NULL DO NOTHING`,
		alert.ID, alert.RegionID, alert.SourceEndpointID, string(alert.Type), string(alert.Severity),
		alert.Message, alert.Payload, alert.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert alert %s/%s", alert.SourceEndpointID, alert.Type)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, id, resolvedBy string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_alerts SET resolved_at = $1, resolved_by = $2
		 WHERE id = $3 AND resolved_at IS NULL`,
		time.Now().UTC(), resolvedBy, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: resolve alert %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListOpenAlerts(ctx context.Context, filter AlertFilter) ([]model.IngestionAlert, error) {
	query := `SELECT id, region_id, source_endpoint_id, alert_type, severity, message, payload, created_at, resolved_at, resolved_by
		 FROM ingestion_alerts WHERE resolved_at IS NULL`
	args := []any{}
	if filter.RegionID != "" {
		args = append(args, filter.RegionID)
		query += ` AND region_id = $1`
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		if filter.RegionID != "" {
			query += ` LIMIT $2`
		} else {
			query += ` LIMIT $1`
		}
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list open alerts")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.IngestionAlert, error) {
		var a model.IngestionAlert
		err := row.Scan(&a.ID, &a.RegionID, &a.SourceEndpointID, &a.Type, &a.Severity,
			&a.Message, &a.Payload, &a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy)
		return a, err
	})
	return out, eris.Wrap(err, "postgres: collect alerts")
}

func (s *PostgresStore) LatestOpenAlertForRegion(ctx context.Context, regionID string) (*model.IngestionAlert, error) {
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

func (s *PostgresStore) EnqueueRetry(ctx context.Context, entry model.RetryQueueEntry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO retry_queue (id, region_id, endpoint_id, status, attempt_count, manual, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8)
		 ON CONFLICT(endpoint_id) WHERE status = 'pending' DO UPDATE SET
			manual = retry_queue.manual OR EXCLUDED.manual,
			next_attempt_at = CASE
				WHEN EXCLUDED.manual AND EXCLUDED.next_attempt_at < retry_queue.next_attempt_at
				THEN EXCLUDED.next_attempt_at
				ELSE retry_queue.next_attempt_at
			END,
			updated_at = EXCLUDED.updated_at`,
		entry.ID, entry.RegionID, entry.EndpointID, entry.AttemptCount, entry.Manual,
		entry.NextAttemptAt, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: enqueue retry %s", entry.EndpointID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DuePendingRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, region_id, endpoint_id, status, attempt_count, manual, next_attempt_at, created_at, updated_at
		 FROM retry_queue
		 WHERE status = 'pending' AND next_attempt_at <= $1
		 ORDER BY manual DESC, next_attempt_at ASC
		 LIMIT $2`, now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due retries")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RetryQueueEntry, error) {
		var e model.RetryQueueEntry
		err := row.Scan(&e.ID, &e.RegionID, &e.EndpointID, &e.Status, &e.AttemptCount,
			&e.Manual, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt)
		return e, err
	})
	return out, eris.Wrap(err, "postgres: collect retries")
}

func (s *PostgresStore) UpdateRetryEntry(ctx context.Context, entry model.RetryQueueEntry) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retry_queue
		 SET status = $1, attempt_count = $2, manual = $3, next_attempt_at = $4, updated_at = $5
		 WHERE id = $6`,
		string(entry.Status), entry.AttemptCount, entry.Manual, entry.NextAttemptAt, entry.UpdatedAt, entry.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update retry entry %s", entry.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: retry entry %s not found", entry.ID)
	}
	return nil
}

// --- Coverage ---

func (s *PostgresStore) CountDutyDistricts(ctx context.Context, provinceSlug, dutyDate string) (int, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT p.district)
		 FROM duty_records d
		 JOIN pharmacies p ON p.id = d.pharmacy_id
		 JOIN regions r ON r.id = p.region_id
		 WHERE r.province_slug = $1 AND d.duty_date = $2 AND p.district != ''`,
		provinceSlug, dutyDate,
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "postgres: count duty districts %s/%s", provinceSlug, dutyDate)
	}
	return n, nil
}

func (s *PostgresStore) LastDutyUpdate(ctx context.Context, provinceSlug, dutyDate string) (*time.Time, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT MAX(d.updated_at)
		 FROM duty_records d
		 JOIN pharmacies p ON p.id = d.pharmacy_id
		 JOIN regions r ON r.id = p.region_id
		 WHERE r.province_slug = $1 AND d.duty_date = $2`,
		provinceSlug, dutyDate,
	)
	var ts *time.Time
	if err := row.Scan(&ts); err != nil {
		return nil, eris.Wrapf(err, "postgres: last duty update %s/%s", provinceSlug, dutyDate)
	}
	return ts, nil
}
