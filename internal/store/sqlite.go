package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/jlchulilla/libreborme/internal/entity"
	"github.com/jlchulilla/libreborme/internal/model"
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
	// SQLite has a single writer; one connection keeps transactions from
	// failing with SQLITE_BUSY when documents are imported concurrently.
	db.SetMaxOpenConns(1)
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
CREATE TABLE IF NOT EXISTS gazettes (
	cve                TEXT PRIMARY KEY,
	date               DATETIME NOT NULL,
	url                TEXT NOT NULL DEFAULT '',
	from_announcement  INTEGER NOT NULL DEFAULT 0,
	until_announcement INTEGER NOT NULL DEFAULT 0,
	province           TEXT NOT NULL DEFAULT '',
	section            TEXT NOT NULL DEFAULT '',
	announcements      TEXT NOT NULL DEFAULT '[]',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS import_logs (
	cve        TEXT PRIMARY KEY REFERENCES gazettes(cve),
	path       TEXT NOT NULL DEFAULT '',
	parsed     INTEGER NOT NULL DEFAULT 0,
	errors     INTEGER NOT NULL DEFAULT 0,
	parsed_at  DATETIME,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	last_error TEXT NOT NULL DEFAULT '',
	run_id     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS companies (
	slug             TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	legal_form       TEXT NOT NULL DEFAULT '',
	is_active        INTEGER NOT NULL DEFAULT 1,
	dissolved_at     DATETIME,
	announcements    TEXT NOT NULL DEFAULT '[]',
	documents        TEXT NOT NULL DEFAULT '[]',
	active_roles     TEXT NOT NULL DEFAULT '[]',
	historical_roles TEXT NOT NULL DEFAULT '[]',
	updated_at       DATETIME NOT NULL,
	search_name      TEXT
);

CREATE TABLE IF NOT EXISTS persons (
	slug             TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	companies        TEXT NOT NULL DEFAULT '[]',
	announcements    TEXT NOT NULL DEFAULT '[]',
	documents        TEXT NOT NULL DEFAULT '[]',
	active_roles     TEXT NOT NULL DEFAULT '[]',
	historical_roles TEXT NOT NULL DEFAULT '[]',
	updated_at       DATETIME NOT NULL,
	search_name      TEXT
);

CREATE TABLE IF NOT EXISTS announcements (
	announcement_id INTEGER NOT NULL,
	year            INTEGER NOT NULL,
	cve             TEXT NOT NULL REFERENCES gazettes(cve),
	company_slug    TEXT NOT NULL REFERENCES companies(slug),
	registry_data   TEXT NOT NULL DEFAULT '',
	acts            TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (announcement_id, year)
);

CREATE INDEX IF NOT EXISTS idx_gazettes_date ON gazettes(date);
CREATE INDEX IF NOT EXISTS idx_import_logs_parsed ON import_logs(parsed);
CREATE INDEX IF NOT EXISTS idx_announcements_company ON announcements(company_slug);
`

// Migrate implements Store.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetCompany implements entity.Finder.
func (s *SQLiteStore) GetCompany(ctx context.Context, slug string) (*entity.Company, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE slug = ?`, slug)

	var (
		c           entity.Company
		dissolvedAt sql.NullTime
		ledger      ledgerJSON
	)
	err := row.Scan(&c.Slug, &c.Name, &c.LegalForm, &c.IsActive, &dissolvedAt,
		&ledger.announcements, &ledger.documents, &ledger.active, &ledger.historical, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %s", slug)
	}
	if dissolvedAt.Valid {
		c.DissolvedAt = dissolvedAt.Time.UTC()
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	if err := ledger.decode(&c.Entity); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode company %s", slug)
	}
	return &c, nil
}

// GetPerson implements entity.Finder.
func (s *SQLiteStore) GetPerson(ctx context.Context, slug string) (*entity.Person, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM persons WHERE slug = ?`, slug)

	var (
		p         entity.Person
		companies []byte
		ledger    ledgerJSON
	)
	err := row.Scan(&p.Slug, &p.Name, &companies,
		&ledger.announcements, &ledger.documents, &ledger.active, &ledger.historical, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get person %s", slug)
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	if err := ledger.decode(&p.Entity); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode person %s", slug)
	}
	if err := unmarshalList(companies, &p.Companies); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode person %s companies", slug)
	}
	return &p, nil
}

// GetGazette implements Store.
func (s *SQLiteStore) GetGazette(ctx context.Context, cve string) (*model.Gazette, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gazetteColumns+` FROM gazettes WHERE cve = ?`, cve)

	var (
		g   model.Gazette
		ids []byte
	)
	err := row.Scan(&g.CVE, &g.Date, &g.URL, &g.From, &g.Until, &g.Province, &g.Section, &ids, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get gazette %s", cve)
	}
	g.Date = g.Date.UTC()
	if err := unmarshalList(ids, &g.Announcements); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode gazette %s", cve)
	}
	return &g, nil
}

// CreateGazette implements Store. An existing gazette is left untouched.
func (s *SQLiteStore) CreateGazette(ctx context.Context, g *model.Gazette) error {
	ids, err := json.Marshal(nonNil(g.Announcements))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal gazette announcements")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gazettes (`+gazetteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cve) DO NOTHING`,
		g.CVE, g.Date, g.URL, g.From, g.Until, g.Province, g.Section, string(ids), g.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: create gazette %s", g.CVE)
}

// GetImportLog implements Store.
func (s *SQLiteStore) GetImportLog(ctx context.Context, cve string) (*model.ImportLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+importColumns+` FROM import_logs WHERE cve = ?`, cve)
	l, err := scanSQLiteImportLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get import log %s", cve)
	}
	return l, nil
}

// SaveImportLog implements Store.
func (s *SQLiteStore) SaveImportLog(ctx context.Context, l *model.ImportLog) error {
	l.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_logs (`+importColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cve) DO UPDATE SET
			path = excluded.path,
			parsed = excluded.parsed,
			errors = excluded.errors,
			parsed_at = excluded.parsed_at,
			updated_at = excluded.updated_at,
			last_error = excluded.last_error,
			run_id = excluded.run_id`,
		l.CVE, l.Path, l.Parsed, l.Errors, l.ParsedAt, l.UpdatedAt, l.LastError, l.RunID,
	)
	return eris.Wrapf(err, "sqlite: save import log %s", l.CVE)
}

// ListImportLogs implements Store.
func (s *SQLiteStore) ListImportLogs(ctx context.Context, filter ImportLogFilter) ([]model.ImportLog, error) {
	query := `SELECT ` + importColumns + ` FROM import_logs`
	if filter.Pending {
		query += ` WHERE parsed = 0`
	}
	query += ` ORDER BY cve LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, listLimit(filter), filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list import logs")
	}
	defer rows.Close()

	var logs []model.ImportLog
	for rows.Next() {
		l, err := scanSQLiteImportLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan import log")
		}
		logs = append(logs, *l)
	}
	return logs, eris.Wrap(rows.Err(), "sqlite: iterate import logs")
}

// GetAnnouncement implements Store.
func (s *SQLiteStore) GetAnnouncement(ctx context.Context, id, year int) (*model.AnnouncementRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT announcement_id, year, cve, company_slug, registry_data, acts
		FROM announcements WHERE announcement_id = ? AND year = ?`, id, year)

	var (
		a    model.AnnouncementRecord
		acts []byte
	)
	err := row.Scan(&a.ID, &a.Year, &a.CVE, &a.CompanySlug, &a.RegistryData, &acts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get announcement %d/%d", id, year)
	}
	if err := unmarshalList(acts, &a.Acts); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode announcement %d/%d", id, year)
	}
	return &a, nil
}

// Commit implements Store.
func (s *SQLiteStore) Commit(ctx context.Context, cs *Changeset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin commit")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range cs.Companies {
		ledger, err := encodeLedger(&c.Entity)
		if err != nil {
			return eris.Wrapf(err, "sqlite: encode company %s", c.Slug)
		}
		var dissolvedAt sql.NullTime
		if !c.DissolvedAt.IsZero() {
			dissolvedAt = sql.NullTime{Time: c.DissolvedAt, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO companies (`+companyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (slug) DO UPDATE SET
				legal_form = excluded.legal_form,
				is_active = excluded.is_active,
				dissolved_at = excluded.dissolved_at,
				announcements = excluded.announcements,
				documents = excluded.documents,
				active_roles = excluded.active_roles,
				historical_roles = excluded.historical_roles,
				updated_at = excluded.updated_at`,
			c.Slug, c.Name, c.LegalForm, c.IsActive, dissolvedAt,
			string(ledger.announcements), string(ledger.documents),
			string(ledger.active), string(ledger.historical), c.UpdatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert company %s", c.Slug)
		}
	}

	for _, p := range cs.Persons {
		ledger, err := encodeLedger(&p.Entity)
		if err != nil {
			return eris.Wrapf(err, "sqlite: encode person %s", p.Slug)
		}
		companies, err := json.Marshal(nonNil(p.Companies))
		if err != nil {
			return eris.Wrapf(err, "sqlite: encode person %s companies", p.Slug)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO persons (`+personColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (slug) DO UPDATE SET
				companies = excluded.companies,
				announcements = excluded.announcements,
				documents = excluded.documents,
				active_roles = excluded.active_roles,
				historical_roles = excluded.historical_roles,
				updated_at = excluded.updated_at`,
			p.Slug, p.Name, string(companies),
			string(ledger.announcements), string(ledger.documents),
			string(ledger.active), string(ledger.historical), p.UpdatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert person %s", p.Slug)
		}
	}

	if a := cs.Announcement; a != nil {
		acts, err := json.Marshal(nonNil(a.Acts))
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal acts")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO announcements (announcement_id, year, cve, company_slug, registry_data, acts)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (announcement_id, year) DO UPDATE SET
				cve = excluded.cve,
				company_slug = excluded.company_slug,
				registry_data = excluded.registry_data,
				acts = excluded.acts`,
			a.ID, a.Year, a.CVE, a.CompanySlug, a.RegistryData, string(acts),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert announcement %d/%d", a.ID, a.Year)
		}
		if cs.GazetteCVE != "" {
			if err := appendProcessed(ctx, tx, cs.GazetteCVE, a.ID); err != nil {
				return err
			}
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit changeset")
}

func appendProcessed(ctx context.Context, tx *sql.Tx, cve string, id int) error {
	var raw []byte
	err := tx.QueryRowContext(ctx, `SELECT announcements FROM gazettes WHERE cve = ?`, cve).Scan(&raw)
	if err != nil {
		return eris.Wrapf(err, "sqlite: read gazette %s", cve)
	}
	var ids []int
	if err := unmarshalList(raw, &ids); err != nil {
		return eris.Wrapf(err, "sqlite: decode gazette %s", cve)
	}
	if slices.Contains(ids, id) {
		return nil
	}
	updated, err := json.Marshal(append(ids, id))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal gazette announcements")
	}
	_, err = tx.ExecContext(ctx, `UPDATE gazettes SET announcements = ? WHERE cve = ?`, string(updated), cve)
	return eris.Wrapf(err, "sqlite: mark announcement %d on %s", id, cve)
}

// RefreshSearchIndex implements Store. SQLite keeps a lowercased copy of
// the name instead of a text-search vector.
func (s *SQLiteStore) RefreshSearchIndex(ctx context.Context, batch int) (int64, error) {
	if batch <= 0 {
		batch = 1000
	}
	var total int64
	for _, table := range []string{"companies", "persons"} {
		for {
			res, err := s.db.ExecContext(ctx,
				`UPDATE `+table+` SET search_name = lower(name)
				WHERE slug IN (SELECT slug FROM `+table+` WHERE search_name IS NULL LIMIT ?)`,
				batch,
			)
			if err != nil {
				return total, eris.Wrapf(err, "sqlite: refresh search %s", table)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return total, eris.Wrap(err, "sqlite: rows affected")
			}
			total += n
			if n < int64(batch) {
				break
			}
		}
	}
	return total, nil
}

func scanSQLiteImportLog(row rowScanner) (*model.ImportLog, error) {
	var (
		l        model.ImportLog
		parsedAt sql.NullTime
	)
	err := row.Scan(&l.CVE, &l.Path, &l.Parsed, &l.Errors, &parsedAt, &l.UpdatedAt, &l.LastError, &l.RunID)
	if err != nil {
		return nil, err
	}
	if parsedAt.Valid {
		t := parsedAt.Time.UTC()
		l.ParsedAt = &t
	}
	return &l, nil
}
