package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jlchulilla/libreborme/internal/db"
	"github.com/jlchulilla/libreborme/internal/entity"
	"github.com/jlchulilla/libreborme/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close is a no-op.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate implements Store.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.pool)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const (
	companyColumns = `slug, name, legal_form, is_active, dissolved_at, announcements, documents, active_roles, historical_roles, updated_at`
	personColumns  = `slug, name, companies, announcements, documents, active_roles, historical_roles, updated_at`
	gazetteColumns = `cve, date, url, from_announcement, until_announcement, province, section, announcements, created_at`
	importColumns  = `cve, path, parsed, errors, parsed_at, updated_at, last_error, run_id`
)

// GetCompany implements entity.Finder.
func (s *PostgresStore) GetCompany(ctx context.Context, slug string) (*entity.Company, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+companyColumns+` FROM borme.companies WHERE slug = $1`, slug)

	var (
		c           entity.Company
		dissolvedAt *time.Time
		ledger      ledgerJSON
	)
	err := row.Scan(&c.Slug, &c.Name, &c.LegalForm, &c.IsActive, &dissolvedAt,
		&ledger.announcements, &ledger.documents, &ledger.active, &ledger.historical, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %s", slug)
	}
	if dissolvedAt != nil {
		c.DissolvedAt = *dissolvedAt
	}
	if err := ledger.decode(&c.Entity); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode company %s", slug)
	}
	return &c, nil
}

// GetPerson implements entity.Finder.
func (s *PostgresStore) GetPerson(ctx context.Context, slug string) (*entity.Person, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+personColumns+` FROM borme.persons WHERE slug = $1`, slug)

	var (
		p         entity.Person
		companies []byte
		ledger    ledgerJSON
	)
	err := row.Scan(&p.Slug, &p.Name, &companies,
		&ledger.announcements, &ledger.documents, &ledger.active, &ledger.historical, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get person %s", slug)
	}
	if err := ledger.decode(&p.Entity); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode person %s", slug)
	}
	if err := unmarshalList(companies, &p.Companies); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode person %s companies", slug)
	}
	return &p, nil
}

// GetGazette implements Store.
func (s *PostgresStore) GetGazette(ctx context.Context, cve string) (*model.Gazette, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+gazetteColumns+` FROM borme.gazettes WHERE cve = $1`, cve)

	var (
		g   model.Gazette
		ids []byte
	)
	err := row.Scan(&g.CVE, &g.Date, &g.URL, &g.From, &g.Until, &g.Province, &g.Section, &ids, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get gazette %s", cve)
	}
	if err := unmarshalList(ids, &g.Announcements); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode gazette %s", cve)
	}
	return &g, nil
}

// CreateGazette implements Store. An existing gazette is left untouched.
func (s *PostgresStore) CreateGazette(ctx context.Context, g *model.Gazette) error {
	ids, err := json.Marshal(nonNil(g.Announcements))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal gazette announcements")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO borme.gazettes (`+gazetteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (cve) DO NOTHING`,
		g.CVE, g.Date, g.URL, g.From, g.Until, g.Province, g.Section, ids, g.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: create gazette %s", g.CVE)
}

// GetImportLog implements Store.
func (s *PostgresStore) GetImportLog(ctx context.Context, cve string) (*model.ImportLog, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+importColumns+` FROM borme.import_logs WHERE cve = $1`, cve)
	l, err := scanImportLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get import log %s", cve)
	}
	return l, nil
}

// SaveImportLog implements Store.
func (s *PostgresStore) SaveImportLog(ctx context.Context, l *model.ImportLog) error {
	l.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO borme.import_logs (`+importColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (cve) DO UPDATE SET
			path = EXCLUDED.path,
			parsed = EXCLUDED.parsed,
			errors = EXCLUDED.errors,
			parsed_at = EXCLUDED.parsed_at,
			updated_at = EXCLUDED.updated_at,
			last_error = EXCLUDED.last_error,
			run_id = EXCLUDED.run_id`,
		l.CVE, l.Path, l.Parsed, l.Errors, l.ParsedAt, l.UpdatedAt, l.LastError, l.RunID,
	)
	return eris.Wrapf(err, "postgres: save import log %s", l.CVE)
}

// ListImportLogs implements Store.
func (s *PostgresStore) ListImportLogs(ctx context.Context, filter ImportLogFilter) ([]model.ImportLog, error) {
	query := `SELECT ` + importColumns + ` FROM borme.import_logs`
	if filter.Pending {
		query += ` WHERE NOT parsed`
	}
	query += ` ORDER BY cve LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, query, listLimit(filter), filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list import logs")
	}
	defer rows.Close()

	var logs []model.ImportLog
	for rows.Next() {
		l, err := scanImportLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan import log")
		}
		logs = append(logs, *l)
	}
	return logs, eris.Wrap(rows.Err(), "postgres: iterate import logs")
}

// GetAnnouncement implements Store.
func (s *PostgresStore) GetAnnouncement(ctx context.Context, id, year int) (*model.AnnouncementRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT announcement_id, year, cve, company_slug, registry_data, acts
		FROM borme.announcements WHERE announcement_id = $1 AND year = $2`, id, year)

	var (
		a    model.AnnouncementRecord
		acts []byte
	)
	err := row.Scan(&a.ID, &a.Year, &a.CVE, &a.CompanySlug, &a.RegistryData, &acts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get announcement %d/%d", id, year)
	}
	if err := unmarshalList(acts, &a.Acts); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode announcement %d/%d", id, year)
	}
	return &a, nil
}

// Commit implements Store.
func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin commit")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, c := range cs.Companies {
		if err := upsertCompany(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, p := range cs.Persons {
		if err := upsertPerson(ctx, tx, p); err != nil {
			return err
		}
	}
	if a := cs.Announcement; a != nil {
		acts, err := json.Marshal(nonNil(a.Acts))
		if err != nil {
			return eris.Wrap(err, "postgres: marshal acts")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO borme.announcements (announcement_id, year, cve, company_slug, registry_data, acts)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (announcement_id, year) DO UPDATE SET
				cve = EXCLUDED.cve,
				company_slug = EXCLUDED.company_slug,
				registry_data = EXCLUDED.registry_data,
				acts = EXCLUDED.acts`,
			a.ID, a.Year, a.CVE, a.CompanySlug, a.RegistryData, acts,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert announcement %d/%d", a.ID, a.Year)
		}
		if cs.GazetteCVE != "" {
			if _, err := tx.Exec(ctx,
				`UPDATE borme.gazettes
				SET announcements = announcements || jsonb_build_array($2::int)
				WHERE cve = $1 AND NOT announcements @> jsonb_build_array($2::int)`,
				cs.GazetteCVE, a.ID,
			); err != nil {
				return eris.Wrapf(err, "postgres: mark announcement %d on %s", a.ID, cs.GazetteCVE)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit changeset")
	}
	return nil
}

func upsertCompany(ctx context.Context, tx pgx.Tx, c *entity.Company) error {
	ledger, err := encodeLedger(&c.Entity)
	if err != nil {
		return eris.Wrapf(err, "postgres: encode company %s", c.Slug)
	}
	var dissolvedAt *time.Time
	if !c.DissolvedAt.IsZero() {
		dissolvedAt = &c.DissolvedAt
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO borme.companies (`+companyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (slug) DO UPDATE SET
			legal_form = EXCLUDED.legal_form,
			is_active = EXCLUDED.is_active,
			dissolved_at = EXCLUDED.dissolved_at,
			announcements = EXCLUDED.announcements,
			documents = EXCLUDED.documents,
			active_roles = EXCLUDED.active_roles,
			historical_roles = EXCLUDED.historical_roles,
			updated_at = EXCLUDED.updated_at`,
		c.Slug, c.Name, c.LegalForm, c.IsActive, dissolvedAt,
		ledger.announcements, ledger.documents, ledger.active, ledger.historical, c.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert company %s", c.Slug)
}

func upsertPerson(ctx context.Context, tx pgx.Tx, p *entity.Person) error {
	ledger, err := encodeLedger(&p.Entity)
	if err != nil {
		return eris.Wrapf(err, "postgres: encode person %s", p.Slug)
	}
	companies, err := json.Marshal(nonNil(p.Companies))
	if err != nil {
		return eris.Wrapf(err, "postgres: encode person %s companies", p.Slug)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO borme.persons (`+personColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (slug) DO UPDATE SET
			companies = EXCLUDED.companies,
			announcements = EXCLUDED.announcements,
			documents = EXCLUDED.documents,
			active_roles = EXCLUDED.active_roles,
			historical_roles = EXCLUDED.historical_roles,
			updated_at = EXCLUDED.updated_at`,
		p.Slug, p.Name, companies,
		ledger.announcements, ledger.documents, ledger.active, ledger.historical, p.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert person %s", p.Slug)
}

// RefreshSearchIndex implements Store. Rows whose search vector is missing are
// filled batch rows at a time, one transaction per batch and table.
func (s *PostgresStore) RefreshSearchIndex(ctx context.Context, batch int) (int64, error) {
	if batch <= 0 {
		batch = 1000
	}
	var total int64
	for _, table := range []string{"borme.companies", "borme.persons"} {
		for {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			n, err := s.refreshBatch(ctx, table, batch)
			if err != nil {
				return total, err
			}
			total += n
			if n > 0 {
				zap.L().Debug("postgres: search index batch",
					zap.String("table", table), zap.Int64("rows", n))
			}
			if n < int64(batch) {
				break
			}
		}
	}
	return total, nil
}

func (s *PostgresStore) refreshBatch(ctx context.Context, table string, batch int) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin search refresh")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE `+table+` SET search_vector = to_tsvector('spanish', name)
		WHERE slug IN (SELECT slug FROM `+table+` WHERE search_vector IS NULL LIMIT $1)`,
		batch,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: refresh search %s", table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "postgres: commit search refresh %s", table)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImportLog(row rowScanner) (*model.ImportLog, error) {
	var l model.ImportLog
	err := row.Scan(&l.CVE, &l.Path, &l.Parsed, &l.Errors, &l.ParsedAt, &l.UpdatedAt, &l.LastError, &l.RunID)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
