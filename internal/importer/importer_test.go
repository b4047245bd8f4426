package importer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jlchulilla/libreborme/internal/entity"
	"github.com/jlchulilla/libreborme/internal/metrics"
	"github.com/jlchulilla/libreborme/internal/model"
	"github.com/jlchulilla/libreborme/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newDoc(cve string, date time.Time, anns ...model.Announcement) *model.Document {
	return &model.Document{
		CVE:           cve,
		Date:          date,
		URL:           "https://www.boe.es/borme/dias/" + date.Format("2006/01/02") + "/pdfs/" + cve + ".pdf",
		From:          1,
		Until:         len(anns),
		Province:      "MADRID",
		Section:       "A",
		Announcements: anns,
	}
}

func appointment(id int, company, title string, names ...string) model.Announcement {
	return model.Announcement{
		ID:      id,
		Company: company,
		Acts: []model.Act{
			{Name: "Constitución", Value: "Comienzo de operaciones: 1.03.15. Capital: 3.000,00 Euros."},
			{Name: "Nombramientos", Roles: map[string][]string{title: names}},
		},
	}
}

func docA01() *model.Document {
	return newDoc("A01", day(2015, 3, 1), appointment(1, "ACME, S.L.", "Adm. Unico", "Juan Pérez García"))
}

func docA02() *model.Document {
	return newDoc("A02", day(2016, 1, 10), model.Announcement{
		ID:      5,
		Company: "ACME, S.L.",
		Acts:    []model.Act{{Name: "Extinción", Value: "Extinción de la sociedad."}},
	})
}

func TestImportDocument_CreatesEntities(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	imp := New(st, WithMetrics(m), WithRunID("run-1"))

	stats, err := imp.ImportDocument(ctx, docA01())
	require.NoError(t, err)
	assert.Equal(t, Stats{
		CreatedAnnouncements: 1,
		CreatedDocuments:     1,
		CreatedCompanies:     1,
		CreatedPersons:       1,
		TotalAnnouncements:   1,
		TotalDocuments:       1,
		TotalCompanies:       1,
		TotalPersons:         1,
	}, stats)

	c, err := st.GetCompany(ctx, "acme-sl")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "ACME, S.L.", c.Name)
	assert.Equal(t, "SL", c.LegalForm)
	assert.True(t, c.IsActive)
	assert.Equal(t, []int{1}, c.Announcements)
	assert.Equal(t, []model.DocumentRef{{CVE: "A01", URL: docA01().URL}}, c.Documents)
	require.Len(t, c.ActiveRoles, 1)
	assert.Equal(t, "Adm. Unico", c.ActiveRoles[0].Title)
	assert.Equal(t, "Juan Pérez García", c.ActiveRoles[0].Name)
	assert.Equal(t, model.KindPerson, c.ActiveRoles[0].Kind)
	assert.True(t, day(2015, 3, 1).Equal(c.ActiveRoles[0].From))
	assert.True(t, day(2015, 3, 1).Equal(c.UpdatedAt))

	p, err := st.GetPerson(ctx, "juan-perez-garcia")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []string{"ACME, S.L."}, p.Companies)
	assert.Equal(t, []int{1}, p.Announcements)
	require.Len(t, p.ActiveRoles, 1)
	assert.Equal(t, "Adm. Unico", p.ActiveRoles[0].Title)
	assert.Equal(t, "acme-sl", p.ActiveRoles[0].Slug)
	assert.Equal(t, model.KindCompany, p.ActiveRoles[0].Kind)
	assert.True(t, c.ActiveRoles[0].From.Equal(p.ActiveRoles[0].From))

	rec, err := st.GetAnnouncement(ctx, 1, 2015)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "A01", rec.CVE)
	assert.Equal(t, "acme-sl", rec.CompanySlug)
	require.Len(t, rec.Acts, 2)
	assert.Equal(t, "Constitución", rec.Acts[0].Name)
	assert.NotEmpty(t, rec.Acts[0].Value)
	require.Len(t, rec.Acts[1].Roles, 1)
	assert.Equal(t, "juan-perez-garcia", rec.Acts[1].Roles[0].Slug)

	g, err := st.GetGazette(ctx, "A01")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, g.Announcements)

	l, err := st.GetImportLog(ctx, "A01")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.True(t, l.Parsed)
	assert.Zero(t, l.Errors)
	assert.NotNil(t, l.ParsedAt)
	assert.Equal(t, "run-1", l.RunID)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntitiesCreated.WithLabelValues("company")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntitiesCreated.WithLabelValues("person")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Documents.WithLabelValues("imported")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Announcements.WithLabelValues("ok")))
}

func TestImportDocument_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	imp := New(st, WithMetrics(m))

	_, err := imp.ImportDocument(ctx, docA01())
	require.NoError(t, err)

	stats, err := imp.ImportDocument(ctx, docA01())
	require.NoError(t, err)
	assert.True(t, stats.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Documents.WithLabelValues("skipped")))

	c, err := st.GetCompany(ctx, "acme-sl")
	require.NoError(t, err)
	assert.Len(t, c.ActiveRoles, 1)
	assert.Equal(t, []int{1}, c.Announcements)

	p, err := st.GetPerson(ctx, "juan-perez-garcia")
	require.NoError(t, err)
	assert.Len(t, p.ActiveRoles, 1)
}

func TestImportDocument_Dissolution(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	imp := New(st)

	_, err := imp.ImportDocument(ctx, docA01())
	require.NoError(t, err)

	stats, err := imp.ImportDocument(ctx, docA02())
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 0, stats.CreatedCompanies)
	assert.Equal(t, 1, stats.CreatedAnnouncements)

	c, err := st.GetCompany(ctx, "acme-sl")
	require.NoError(t, err)
	assert.False(t, c.IsActive)
	assert.True(t, day(2016, 1, 10).Equal(c.DissolvedAt))
	assert.True(t, day(2016, 1, 10).Equal(c.UpdatedAt))
	assert.Empty(t, c.ActiveRoles)
	require.Len(t, c.HistoricalRoles, 1)
	assert.True(t, day(2016, 1, 10).Equal(c.HistoricalRoles[0].To))
	assert.True(t, day(2015, 3, 1).Equal(c.HistoricalRoles[0].From))
	assert.Equal(t, []int{1, 5}, c.Announcements)

	p, err := st.GetPerson(ctx, "juan-perez-garcia")
	require.NoError(t, err)
	assert.Empty(t, p.ActiveRoles)
	require.Len(t, p.HistoricalRoles, 1)
	assert.Equal(t, "acme-sl", p.HistoricalRoles[0].Slug)
	assert.True(t, day(2016, 1, 10).Equal(p.HistoricalRoles[0].To))
	assert.True(t, day(2016, 1, 10).Equal(p.UpdatedAt))

	rec, err := st.GetAnnouncement(ctx, 5, 2016)
	require.NoError(t, err)
	require.Len(t, rec.Acts, 1)
	assert.Equal(t, "Extinción de la sociedad.", rec.Acts[0].Value)
}

func TestImportDocument_SlugConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	imp := New(st, WithMetrics(m))

	doc := newDoc("A03", day(2015, 4, 1),
		model.Announcement{ID: 10, Company: "ACME S.L.", Acts: []model.Act{{Name: "Constitución", Value: "x"}}},
		model.Announcement{ID: 11, Company: "Acme, S.L.", Acts: []model.Act{{Name: "Constitución", Value: "y"}}},
	)
	stats, err := imp.ImportDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.CreatedCompanies)
	assert.Equal(t, 2, stats.TotalCompanies)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdentityConflicts.WithLabelValues("company")))

	c, err := st.GetCompany(ctx, "acme-sl")
	require.NoError(t, err)
	assert.Equal(t, "ACME S.L.", c.Name)
	assert.Equal(t, []int{10, 11}, c.Announcements)

	l, err := st.GetImportLog(ctx, "A03")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Errors)
}

func TestImportDocument_ExitingRole(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	imp := New(st)

	_, err := imp.ImportDocument(ctx, docA01())
	require.NoError(t, err)

	doc := newDoc("A04", day(2015, 6, 1), model.Announcement{
		ID:      20,
		Company: "ACME, S.L.",
		Acts: []model.Act{{
			Name:  "Ceses/Dimisiones",
			Roles: map[string][]string{"Adm. Unico": {"Juan Pérez García"}},
		}},
	})
	stats, err := imp.ImportDocument(ctx, doc)
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)

	c, err := st.GetCompany(ctx, "acme-sl")
	require.NoError(t, err)
	// The closure is recorded; the appointment stays on the active ledger.
	assert.Len(t, c.ActiveRoles, 1)
	require.Len(t, c.HistoricalRoles, 1)
	assert.True(t, day(2015, 6, 1).Equal(c.HistoricalRoles[0].To))
	assert.Equal(t, model.KindPerson, c.HistoricalRoles[0].Kind)

	p, err := st.GetPerson(ctx, "juan-perez-garcia")
	require.NoError(t, err)
	assert.Len(t, p.ActiveRoles, 1)
	require.Len(t, p.HistoricalRoles, 1)
	assert.Equal(t, "ACME, S.L.", p.HistoricalRoles[0].Name)

	rec, err := st.GetAnnouncement(ctx, 20, 2015)
	require.NoError(t, err)
	require.Len(t, rec.Acts, 1)
	require.Len(t, rec.Acts[0].Roles, 1)
	assert.True(t, day(2015, 6, 1).Equal(rec.Acts[0].Roles[0].To))
}

func TestImportDocument_UnlistedRoleActClosesRoles(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	imp := New(st)

	doc := newDoc("A08", day(2015, 9, 1), model.Announcement{
		ID:      60,
		Company: "ACME, S.L.",
		Acts: []model.Act{
			{Name: "Nombramientos", Roles: map[string][]string{"Adm. Unico": {"Juan Pérez García"}}},
			{Name: "Socio único", Roles: map[string][]string{"Socio único": {"Ana Ruiz"}}},
		},
	})
	stats, err := imp.ImportDocument(ctx, doc)
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 1, stats.CreatedCompanies)
	assert.Equal(t, 2, stats.CreatedPersons)

	c, err := st.GetCompany(ctx, "acme-sl")
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Len(t, c.ActiveRoles, 1)
	assert.Equal(t, "juan-perez-garcia", c.ActiveRoles[0].Slug)
	require.Len(t, c.HistoricalRoles, 1)
	assert.Equal(t, "ana-ruiz", c.HistoricalRoles[0].Slug)
	assert.True(t, day(2015, 9, 1).Equal(c.HistoricalRoles[0].To))

	ana, err := st.GetPerson(ctx, "ana-ruiz")
	require.NoError(t, err)
	require.NotNil(t, ana)
	assert.Empty(t, ana.ActiveRoles)
	require.Len(t, ana.HistoricalRoles, 1)
	assert.Equal(t, "Socio único", ana.HistoricalRoles[0].Title)

	rec, err := st.GetAnnouncement(ctx, 60, 2015)
	require.NoError(t, err)
	require.Len(t, rec.Acts, 2)
}

func TestImportDocument_CompanyCounterparty(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	imp := New(st)

	doc := newDoc("A05", day(2015, 5, 5), appointment(30, "BETA SA", "Auditor", "AUDITORES ASOCIADOS SL", "Ana Ruiz"))
	stats, err := imp.ImportDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CreatedCompanies)
	assert.Equal(t, 1, stats.CreatedPersons)
	assert.Equal(t, 2, stats.TotalCompanies)
	assert.Equal(t, 1, stats.TotalPersons)

	beta, err := st.GetCompany(ctx, "beta-sa")
	require.NoError(t, err)
	require.Len(t, beta.ActiveRoles, 2)
	assert.Len(t, beta.ActiveByKind(model.KindCompany), 1)
	assert.Len(t, beta.ActiveByKind(model.KindPerson), 1)

	aud, err := st.GetCompany(ctx, "auditores-asociados-sl")
	require.NoError(t, err)
	require.NotNil(t, aud)
	assert.Equal(t, "SL", aud.LegalForm)
	require.Len(t, aud.ActiveRoles, 1)
	assert.Equal(t, "beta-sa", aud.ActiveRoles[0].Slug)
	assert.Equal(t, []int{30}, aud.Announcements)
}

func TestImportDocument_MalformedActRollsBackAnnouncement(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	imp := New(st, WithMetrics(m))

	doc := newDoc("A06", day(2015, 7, 1),
		model.Announcement{
			ID:      40,
			Company: "GAMMA SL",
			Acts: []model.Act{
				{Name: "Nombramientos", Roles: map[string][]string{"Adm. Unico": {"Luis Gil"}}},
				{Name: "Reelecciones", Roles: map[string][]string{"Socio": {"***"}}},
			},
		},
		appointment(41, "DELTA SL", "Adm. Unico", "Marta Ros"),
	)
	stats, err := imp.ImportDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.CreatedCompanies)
	assert.Equal(t, 1, stats.CreatedPersons)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Announcements.WithLabelValues("failed")))
	// Only the committed announcement publishes its entities.
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntitiesCreated.WithLabelValues("company")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntitiesCreated.WithLabelValues("person")))

	gamma, err := st.GetCompany(ctx, "gamma-sl")
	require.NoError(t, err)
	assert.Nil(t, gamma)
	luis, err := st.GetPerson(ctx, "luis-gil")
	require.NoError(t, err)
	assert.Nil(t, luis)

	delta, err := st.GetCompany(ctx, "delta-sl")
	require.NoError(t, err)
	require.NotNil(t, delta)

	g, err := st.GetGazette(ctx, "A06")
	require.NoError(t, err)
	assert.Equal(t, []int{41}, g.Announcements)

	l, err := st.GetImportLog(ctx, "A06")
	require.NoError(t, err)
	assert.True(t, l.Parsed)
	assert.Equal(t, 1, l.Errors)
	assert.Contains(t, l.LastError, "malformed act")
}

func TestImportDocument_ResumesAfterCrash(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	doc := newDoc("A07", day(2015, 8, 1),
		appointment(50, "ALFA SL", "Adm. Unico", "Pedro Luna"),
		appointment(51, "OMEGA SL", "Adm. Unico", "Pedro Luna"),
	)
	// A previous run committed announcement 50 and stopped.
	g := model.NewGazette(doc)
	require.NoError(t, st.CreateGazette(ctx, g))
	require.NoError(t, st.SaveImportLog(ctx, &model.ImportLog{CVE: "A07"}))
	_, err := New(st).ImportDocument(ctx, newDoc("A07", doc.Date, doc.Announcements[0]))
	require.NoError(t, err)
	l, err := st.GetImportLog(ctx, "A07")
	require.NoError(t, err)
	l.Parsed = false
	require.NoError(t, st.SaveImportLog(ctx, l))

	stats, err := New(st).ImportDocument(ctx, doc)
	require.NoError(t, err)
	assert.Zero(t, stats.CreatedDocuments)
	assert.Equal(t, 1, stats.CreatedCompanies)
	assert.Zero(t, stats.CreatedPersons)

	p, err := st.GetPerson(ctx, "pedro-luna")
	require.NoError(t, err)
	assert.Len(t, p.ActiveRoles, 2)
	assert.Equal(t, []int{50, 51}, p.Announcements)

	got, err := st.GetGazette(ctx, "A07")
	require.NoError(t, err)
	assert.Equal(t, []int{50, 51}, got.Announcements)
}

func TestImportDocument_MissingCounterpartyCountsError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c := entity.NewCompany("ACME, S.L.", "SL")
	ghost := entity.NewPerson("Nadie Conocido")
	c.OpenRole("Apoderado", ghost, day(2014, 1, 1))
	require.NoError(t, st.Commit(ctx, &store.Changeset{Companies: []*entity.Company{c}}))

	m := metrics.New(prometheus.NewRegistry())
	stats, err := New(st, WithMetrics(m)).ImportDocument(ctx, docA02())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CascadeMissing))

	got, err := st.GetCompany(ctx, "acme-sl")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Empty(t, got.ActiveRoles)
	assert.Len(t, got.HistoricalRoles, 1)
}

func TestImportDocument_InvalidDocument(t *testing.T) {
	st := newTestStore(t)
	_, err := New(st).ImportDocument(context.Background(), &model.Document{CVE: "X"})
	assert.Error(t, err)
}

func TestImportDocument_IgnoresCancellation(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := New(st).ImportDocument(ctx, docA01())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CreatedCompanies)
}

// staleStore hides the principal's roles from the first lookup, as if
// another importer appointed an officer between lock planning and locking.
type staleStore struct {
	store.Store
	calls int
}

func (s *staleStore) GetCompany(ctx context.Context, slug string) (*entity.Company, error) {
	c, err := s.Store.GetCompany(ctx, slug)
	s.calls++
	if s.calls == 1 && c != nil {
		c.ActiveRoles = nil
	}
	return c, err
}

func TestImportDocument_WidensLocksForDissolution(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := New(st).ImportDocument(ctx, docA01())
	require.NoError(t, err)

	stale := &staleStore{Store: st}
	stats, err := New(stale).ImportDocument(ctx, docA02())
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)
	assert.Greater(t, stale.calls, 2)

	p, err := st.GetPerson(ctx, "juan-perez-garcia")
	require.NoError(t, err)
	assert.Empty(t, p.ActiveRoles)
	assert.Len(t, p.HistoricalRoles, 1)
}

func TestImportDocument_MetricsCountedOncePerCommit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := New(st).ImportDocument(ctx, docA01())
	require.NoError(t, err)

	// The conflicting spelling is resolved on every attempt, but only the
	// attempt that commits is published.
	doc := newDoc("A09", day(2016, 1, 10), model.Announcement{
		ID:      5,
		Company: "Acme, S.L.",
		Acts:    []model.Act{{Name: "Extinción", Value: "Extinción de la sociedad."}},
	})
	m := metrics.New(prometheus.NewRegistry())
	stale := &staleStore{Store: st}
	stats, err := New(stale, WithMetrics(m)).ImportDocument(ctx, doc)
	require.NoError(t, err)
	assert.Greater(t, stale.calls, 2)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdentityConflicts.WithLabelValues("company")))
	assert.Zero(t, testutil.ToFloat64(m.EntitiesCreated.WithLabelValues("company")))
	assert.Zero(t, testutil.ToFloat64(m.CascadeMissing))

	p, err := st.GetPerson(ctx, "juan-perez-garcia")
	require.NoError(t, err)
	assert.Empty(t, p.ActiveRoles)
}

func TestIsEntering(t *testing.T) {
	tests := []struct {
		name     string
		entering bool
	}{
		{"Nombramientos", true},
		{"NOMBRAMIENTOS", true},
		{"Reelecciones", true},
		{"Ceses/Dimisiones", false},
		{"Revocaciones", false},
		{"Cancelaciones de oficio de nombramientos", false},
		{"Cese liquidador", false},
		{"Socio único", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.entering, isEntering(tt.name))
		})
	}
	assert.True(t, isDissolution("Extinción"))
	assert.True(t, isDissolution("EXTINCION"))
	assert.False(t, isDissolution("Disolución"))
}

func TestUnit_LockScope(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := newUnit(st, []string{entity.Key(model.KindCompany, "acme-sl")})

	c, err := u.GetCompany(ctx, "acme-sl")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = u.GetPerson(ctx, "juan-perez-garcia")
	assert.ErrorIs(t, err, entity.ErrLockNotHeld)
	assert.Equal(t, []string{"person:juan-perez-garcia"}, u.missed)

	p := entity.NewPerson("Juan Pérez García")
	u.addPerson(p)
	got, err := u.GetPerson(ctx, "juan-perez-garcia")
	require.NoError(t, err)
	assert.Same(t, p, got)
}
