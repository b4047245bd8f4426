package importer

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/jlchulilla/libreborme/internal/entity"
	"github.com/jlchulilla/libreborme/internal/model"
	"github.com/jlchulilla/libreborme/internal/store"
)

// unit is the working set of one announcement. It reads entities through
// the store only for keys locked for the announcement and keeps every entity
// it hands out, so each one is written exactly once when the unit commits.
type unit struct {
	store store.Store
	held  map[string]bool
	// missed collects keys requested outside the lock set.
	missed []string

	companies map[string]*entity.Company
	persons   map[string]*entity.Person
	order     []entity.Nameable

	stats Stats
	// Outcomes published once the unit commits.
	created   []model.Kind
	conflicts []model.Kind
	missing   int
}

func newUnit(st store.Store, keys []string) *unit {
	held := make(map[string]bool, len(keys))
	for _, k := range keys {
		held[k] = true
	}
	return &unit{
		store:     st,
		held:      held,
		companies: make(map[string]*entity.Company),
		persons:   make(map[string]*entity.Person),
	}
}

// GetCompany implements entity.Finder.
func (u *unit) GetCompany(ctx context.Context, slug string) (*entity.Company, error) {
	if c, ok := u.companies[slug]; ok {
		return c, nil
	}
	if err := u.check(model.KindCompany, slug); err != nil {
		return nil, err
	}
	c, err := u.store.GetCompany(ctx, slug)
	if err != nil || c == nil {
		return nil, err
	}
	u.addCompany(c)
	return c, nil
}

// GetPerson implements entity.Finder.
func (u *unit) GetPerson(ctx context.Context, slug string) (*entity.Person, error) {
	if p, ok := u.persons[slug]; ok {
		return p, nil
	}
	if err := u.check(model.KindPerson, slug); err != nil {
		return nil, err
	}
	p, err := u.store.GetPerson(ctx, slug)
	if err != nil || p == nil {
		return nil, err
	}
	u.addPerson(p)
	return p, nil
}

func (u *unit) check(kind model.Kind, slug string) error {
	key := entity.Key(kind, slug)
	if u.held[key] {
		return nil
	}
	u.missed = append(u.missed, key)
	return eris.Wrapf(entity.ErrLockNotHeld, "importer: %s", key)
}

func (u *unit) addCompany(c *entity.Company) {
	if _, ok := u.companies[c.Slug]; ok {
		return
	}
	u.companies[c.Slug] = c
	u.order = append(u.order, c)
}

func (u *unit) addPerson(p *entity.Person) {
	if _, ok := u.persons[p.Slug]; ok {
		return
	}
	u.persons[p.Slug] = p
	u.order = append(u.order, p)
}

// changeset lists every entity of the unit in first-seen order.
func (u *unit) changeset(rec *model.AnnouncementRecord, gazetteCVE string) *store.Changeset {
	cs := &store.Changeset{Announcement: rec, GazetteCVE: gazetteCVE}
	for _, n := range u.order {
		switch e := n.(type) {
		case *entity.Company:
			cs.Companies = append(cs.Companies, e)
		case *entity.Person:
			cs.Persons = append(cs.Persons, e)
		}
	}
	return cs
}
