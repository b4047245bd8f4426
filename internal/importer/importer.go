// Package importer folds parsed BORME documents into the entity ledgers.
package importer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jlchulilla/libreborme/internal/classify"
	"github.com/jlchulilla/libreborme/internal/entity"
	"github.com/jlchulilla/libreborme/internal/metrics"
	"github.com/jlchulilla/libreborme/internal/model"
	"github.com/jlchulilla/libreborme/internal/store"
)

// maxLockRetries bounds how often an announcement is retried with a wider
// lock set.
const maxLockRetries = 3

// dissolutionAct is the act that extinguishes the principal company.
const dissolutionAct = "extincion"

// enteringActs lists the officer acts that open roles, folded to lower case
// without accents. Any other act carrying roles closes them.
var enteringActs = map[string]bool{
	"nombramientos": true,
	"reelecciones":  true,
}

// ErrMalformedAct is returned for an officer act listing a name that does not
// reduce to a slug.
var ErrMalformedAct = eris.New("importer: malformed act")

// Option configures an Importer.
type Option func(*Importer)

// WithLocker serializes entity mutations through l. The default is an
// in-process KeyMutex.
func WithLocker(l entity.Locker) Option {
	return func(i *Importer) { i.locker = l }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(i *Importer) { i.log = log }
}

// WithMetrics records import metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Importer) { i.metrics = m }
}

// WithRunID tags import logs with the given run id.
func WithRunID(id string) Option {
	return func(i *Importer) { i.runID = id }
}

// Importer imports one document at a time. It is safe for concurrent use
// when all importers sharing a store share a Locker.
type Importer struct {
	store   store.Store
	locker  entity.Locker
	log     *zap.Logger
	metrics *metrics.Metrics
	runID   string
	now     func() time.Time
}

// New creates an Importer writing to st.
func New(st store.Store, opts ...Option) *Importer {
	i := &Importer{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.locker == nil {
		i.locker = entity.NewKeyMutex()
	}
	if i.log == nil {
		i.log = zap.NewNop()
	}
	return i
}

// ImportDocument folds doc into the ledgers. A document whose import log is
// already parsed is skipped with zero stats. Announcement failures are
// counted in Stats.Errors and never abort the document; the returned error
// covers document-level failures only. Once started the import runs to the
// end even if ctx is cancelled.
func (i *Importer) ImportDocument(ctx context.Context, doc *model.Document) (Stats, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	if err := doc.Validate(); err != nil {
		i.metrics.Document("failed")
		return Stats{}, err
	}
	log := i.log.With(zap.String("cve", doc.CVE), zap.String("date", doc.Date.Format(model.DateLayout)))

	var stats Stats
	gazette, err := i.store.GetGazette(ctx, doc.CVE)
	if err != nil {
		i.metrics.Document("failed")
		return stats, eris.Wrapf(err, "importer: get gazette %s", doc.CVE)
	}
	if gazette == nil {
		gazette = model.NewGazette(doc)
		if err := i.store.CreateGazette(ctx, gazette); err != nil {
			i.metrics.Document("failed")
			return stats, eris.Wrapf(err, "importer: create gazette %s", doc.CVE)
		}
		stats.CreatedDocuments++
		log.Debug("importer: created gazette")
	}

	implog, err := i.store.GetImportLog(ctx, doc.CVE)
	if err != nil {
		i.metrics.Document("failed")
		return stats, eris.Wrapf(err, "importer: get import log %s", doc.CVE)
	}
	if implog == nil {
		implog = &model.ImportLog{CVE: doc.CVE}
	}
	if implog.Parsed {
		log.Warn("importer: document already imported")
		i.metrics.Document("skipped")
		return Stats{}, nil
	}
	implog.Path = doc.Filename
	implog.RunID = i.runID
	implog.UpdatedAt = i.now()
	if err := i.store.SaveImportLog(ctx, implog); err != nil {
		i.metrics.Document("failed")
		return stats, eris.Wrapf(err, "importer: save import log %s", doc.CVE)
	}

	log.Info("importer: importing document",
		zap.String("province", doc.Province),
		zap.Int("from", doc.From),
		zap.Int("until", doc.Until),
		zap.Int("announcements", len(doc.Announcements)),
	)
	stats.TotalDocuments = 1
	stats.TotalAnnouncements = len(doc.Announcements)

	var lastErr error
	for _, ann := range doc.Announcements {
		if gazette.Processed(ann.ID) {
			log.Debug("importer: announcement already imported", zap.Int("announcement", ann.ID))
			continue
		}
		st, err := i.importAnnouncement(ctx, doc, ann)
		stats.Add(st)
		if err != nil {
			lastErr = err
			stats.Errors++
			i.metrics.Announcement("failed")
			log.Error("importer: announcement failed",
				zap.Int("announcement", ann.ID),
				zap.String("company", ann.Company),
				zap.Error(err),
			)
			continue
		}
		gazette.Announcements = append(gazette.Announcements, ann.ID)
		i.metrics.Announcement("ok")
	}

	now := i.now()
	implog.Parsed = true
	implog.Errors = stats.Errors
	implog.ParsedAt = &now
	implog.UpdatedAt = now
	implog.LastError = ""
	if lastErr != nil {
		implog.LastError = lastErr.Error()
	}
	if err := i.store.SaveImportLog(ctx, implog); err != nil {
		i.metrics.Document("failed")
		return stats, eris.Wrapf(err, "importer: complete import log %s", doc.CVE)
	}

	i.metrics.Document("imported")
	i.metrics.ObserveDocument(start)
	log.Info("importer: document imported", append(stats.Fields(), zap.Duration("elapsed", time.Since(start)))...)
	return stats, nil
}

// importAnnouncement runs one announcement under its entity locks, widening
// the lock set when the dissolution cascade reaches an unlocked entity.
func (i *Importer) importAnnouncement(ctx context.Context, doc *model.Document, ann model.Announcement) (Stats, error) {
	var extra []string
	for attempt := 0; ; attempt++ {
		keys, err := i.lockKeys(ctx, ann)
		if err != nil {
			return Stats{}, err
		}
		keys = append(keys, extra...)

		unlock, err := i.locker.Lock(ctx, keys)
		if err != nil {
			return Stats{}, eris.Wrapf(err, "importer: lock announcement %d", ann.ID)
		}
		u := newUnit(i.store, keys)
		err = i.apply(ctx, u, doc, ann)
		unlock()

		if errors.Is(err, entity.ErrLockNotHeld) && attempt < maxLockRetries {
			i.log.Debug("importer: widening lock set",
				zap.String("cve", doc.CVE),
				zap.Int("announcement", ann.ID),
				zap.Strings("keys", u.missed),
			)
			extra = append(extra, u.missed...)
			continue
		}
		if err != nil {
			return Stats{TotalCompanies: u.stats.TotalCompanies, TotalPersons: u.stats.TotalPersons}, err
		}
		return u.stats, nil
	}
}

// lockKeys lists the entities an announcement touches: the principal, every
// named counterparty and, when the principal is dissolved, its current
// counterparties.
func (i *Importer) lockKeys(ctx context.Context, ann model.Announcement) ([]string, error) {
	principal := classify.Classify(ann.Company)
	slug := entity.Slugify(principal.Name)
	keys := []string{entity.Key(model.KindCompany, slug)}

	dissolves := false
	for _, act := range ann.Acts {
		if isDissolution(act.Name) {
			dissolves = true
		}
		for _, title := range act.Titles() {
			for _, name := range act.Roles[title] {
				r := classify.Classify(name)
				if s := entity.Slugify(r.Name); s != "" {
					keys = append(keys, entity.Key(r.Kind, s))
				}
			}
		}
	}

	if dissolves && slug != "" {
		c, err := i.store.GetCompany(ctx, slug)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: read %s for dissolution", slug)
		}
		if c != nil {
			keys = append(keys, entity.CounterpartyKeys(c)...)
		}
	}
	return entity.SortKeys(keys), nil
}

// apply folds ann into the unit and commits it.
func (i *Importer) apply(ctx context.Context, u *unit, doc *model.Document, ann model.Announcement) error {
	log := i.log.With(zap.String("cve", doc.CVE), zap.Int("announcement", ann.ID))
	resolver := entity.NewResolver(u, log)
	date := model.Day(doc.Date)
	ref := doc.Ref()

	principal := classify.Classify(ann.Company)
	if principal.LegalForm == "" {
		log.Warn("importer: legal form not detected", zap.String("company", principal.Name))
	}
	company, err := i.resolveCompany(ctx, u, resolver, principal)
	if err != nil {
		return err
	}
	company.AttachDocument(ref)

	rec, err := i.store.GetAnnouncement(ctx, ann.ID, doc.Year())
	if err != nil {
		return eris.Wrapf(err, "importer: get announcement %d/%d", ann.ID, doc.Year())
	}
	if rec == nil {
		rec = &model.AnnouncementRecord{ID: ann.ID, Year: doc.Year()}
		u.stats.CreatedAnnouncements++
	}
	rec.CVE = doc.CVE
	rec.RegistryData = ann.RegistryData

	for _, act := range ann.Acts {
		switch {
		case act.IsOfficerChange():
			roles, err := i.applyOfficerAct(ctx, u, resolver, company, act, date, ann.ID, ref)
			if err != nil {
				return err
			}
			rec.SetAct(model.ActRecord{Name: act.Name, Roles: roles})
		default:
			rec.SetAct(model.ActRecord{Name: act.Name, Value: act.Value})
			if isDissolution(act.Name) {
				if err := i.dissolve(ctx, u, company, date, log); err != nil {
					return err
				}
			}
		}
	}

	company.AttachAnnouncement(ann.ID)
	company.Touch(date)
	rec.CompanySlug = company.Slug

	if err := i.store.Commit(ctx, u.changeset(rec, doc.CVE)); err != nil {
		return eris.Wrapf(err, "importer: commit announcement %d", ann.ID)
	}
	i.record(u)
	log.Debug("importer: announcement imported", zap.String("company", company.Slug))
	return nil
}

func (i *Importer) applyOfficerAct(ctx context.Context, u *unit, resolver *entity.Resolver, company *entity.Company,
	act model.Act, date time.Time, annID int, ref model.DocumentRef) ([]model.Role, error) {
	entering := isEntering(act.Name)

	roles := []model.Role{}
	for _, title := range act.Titles() {
		for _, name := range act.Roles[title] {
			res := classify.Classify(name)
			if entity.Slugify(res.Name) == "" {
				return nil, eris.Wrapf(ErrMalformedAct, "importer: %q lists %q under %q", act.Name, name, title)
			}
			var other entity.Nameable
			switch res.Kind {
			case model.KindCompany:
				c, err := i.resolveCompany(ctx, u, resolver, res)
				if err != nil {
					return nil, err
				}
				other = c
			default:
				u.stats.TotalPersons++
				p, outcome, err := resolver.Person(ctx, res.Name)
				if err != nil {
					return nil, err
				}
				i.track(u, p, outcome)
				p.AddCompany(company.Name)
				other = p
			}

			ledger := other.Ledger()
			ledger.AttachAnnouncement(annID)
			ledger.AttachDocument(ref)
			if entering {
				ledger.OpenRole(title, company, date)
				company.OpenRole(title, other, date)
				roles = append(roles, model.Role{Title: title, Name: ledger.Name, Slug: ledger.Slug, Kind: other.Kind(), From: date})
			} else {
				ledger.CloseRole(title, company, date)
				company.CloseRole(title, other, date)
				roles = append(roles, model.Role{Title: title, Name: ledger.Name, Slug: ledger.Slug, Kind: other.Kind(), To: date})
			}
			ledger.Touch(date)
		}
	}
	return roles, nil
}

func (i *Importer) resolveCompany(ctx context.Context, u *unit, resolver *entity.Resolver, res classify.Result) (*entity.Company, error) {
	u.stats.TotalCompanies++
	c, outcome, err := resolver.Company(ctx, res.Name, res.LegalForm)
	if err != nil {
		return nil, err
	}
	i.track(u, c, outcome)
	return c, nil
}

// track registers a resolved entity with the unit and counts the outcome.
// Metrics wait for the commit, see record.
func (i *Importer) track(u *unit, n entity.Nameable, outcome entity.Outcome) {
	switch e := n.(type) {
	case *entity.Company:
		u.addCompany(e)
	case *entity.Person:
		u.addPerson(e)
	}
	switch outcome {
	case entity.Created:
		if n.Kind() == model.KindCompany {
			u.stats.CreatedCompanies++
		} else {
			u.stats.CreatedPersons++
		}
		u.created = append(u.created, n.Kind())
	case entity.Conflict:
		u.stats.Errors++
		u.conflicts = append(u.conflicts, n.Kind())
	}
}

// record publishes the outcomes of a committed unit.
func (i *Importer) record(u *unit) {
	for _, k := range u.created {
		i.metrics.EntityCreated(string(k))
	}
	for _, k := range u.conflicts {
		i.metrics.IdentityConflict(string(k))
	}
	for range u.missing {
		i.metrics.MissingCounterparty()
	}
}

func (i *Importer) dissolve(ctx context.Context, u *unit, company *entity.Company, date time.Time, log *zap.Logger) error {
	cascade, err := entity.Dissolve(ctx, company, date, u)
	if err != nil {
		return err
	}
	for _, r := range cascade.Missing {
		log.Warn("importer: dissolution counterparty not found",
			zap.String("company", company.Slug),
			zap.String("kind", string(r.Kind)),
			zap.String("name", r.Name),
			zap.String("title", r.Title),
		)
		u.stats.Errors++
		u.missing++
	}
	log.Info("importer: company dissolved",
		zap.String("company", company.Slug),
		zap.Int("closed", cascade.Closed),
		zap.Int("counterparties", len(cascade.Counterparties)),
		zap.Int("missing", len(cascade.Missing)),
	)
	return nil
}

func foldAct(name string) string {
	return strings.ToLower(classify.Fold(strings.TrimSpace(name)))
}

func isDissolution(name string) bool {
	return foldAct(name) == dissolutionAct
}

// isEntering reports whether an officer act opens roles.
func isEntering(name string) bool {
	return enteringActs[foldAct(name)]
}
