// Package entity holds the company and person ledgers and the operations that
// reconcile them: identity resolution, role bookkeeping and the dissolution
// cascade.
package entity

import (
	"slices"
	"time"

	"github.com/jlchulilla/libreborme/internal/model"
)

// Entity is the ledger shape shared by companies and persons.
type Entity struct {
	Slug            string              `json:"slug"`
	Name            string              `json:"name"`
	Announcements   []int               `json:"announcements"`
	Documents       []model.DocumentRef `json:"documents"`
	ActiveRoles     []model.Role        `json:"active_roles"`
	HistoricalRoles []model.Role        `json:"historical_roles"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Company is a registered legal entity.
type Company struct {
	Entity
	LegalForm   string    `json:"legal_form"`
	IsActive    bool      `json:"is_active"`
	DissolvedAt time.Time `json:"dissolved_at,omitzero"`
}

// Person is a natural person appearing as an officer.
type Person struct {
	Entity
	// Companies holds the display names of companies the person was
	// appointed to or removed from.
	Companies []string `json:"companies"`
}

// Nameable is implemented by both entity variants so ledger operations can
// treat them uniformly.
type Nameable interface {
	Kind() model.Kind
	Ledger() *Entity
}

// Kind implements Nameable.
func (c *Company) Kind() model.Kind { return model.KindCompany }

// Ledger implements Nameable.
func (c *Company) Ledger() *Entity { return &c.Entity }

// Kind implements Nameable.
func (p *Person) Kind() model.Kind { return model.KindPerson }

// Ledger implements Nameable.
func (p *Person) Ledger() *Entity { return &p.Entity }

// NewCompany builds an active, unpersisted company.
func NewCompany(name, legalForm string) *Company {
	return &Company{
		Entity:    newEntity(name),
		LegalForm: legalForm,
		IsActive:  true,
	}
}

// NewPerson builds an unpersisted person.
func NewPerson(name string) *Person {
	return &Person{Entity: newEntity(name)}
}

func newEntity(name string) Entity {
	return Entity{
		Slug:            Slugify(name),
		Name:            name,
		Announcements:   []int{},
		Documents:       []model.DocumentRef{},
		ActiveRoles:     []model.Role{},
		HistoricalRoles: []model.Role{},
	}
}

// Key is the lock and cache key of an entity.
func Key(kind model.Kind, slug string) string {
	return string(kind) + ":" + slug
}

// KeyOf returns Key for n.
func KeyOf(n Nameable) string {
	return Key(n.Kind(), n.Ledger().Slug)
}

// AttachAnnouncement records that the entity takes part in announcement id.
// Duplicates are kept.
func (e *Entity) AttachAnnouncement(id int) {
	e.Announcements = append(e.Announcements, id)
}

// AttachDocument records that the entity is mentioned in a document. A
// document is listed once.
func (e *Entity) AttachDocument(ref model.DocumentRef) {
	for _, d := range e.Documents {
		if d.CVE == ref.CVE {
			return
		}
	}
	e.Documents = append(e.Documents, ref)
}

// OpenRole appends an active role held with other. Repeated appointments
// accumulate.
func (e *Entity) OpenRole(title string, other Nameable, from time.Time) {
	e.ActiveRoles = append(e.ActiveRoles, model.Role{
		Title: title,
		Name:  other.Ledger().Name,
		Slug:  other.Ledger().Slug,
		Kind:  other.Kind(),
		From:  from,
	})
}

// CloseRole appends the closure of a role held with other to the historical
// ledger. The active ledger is left as is.
func (e *Entity) CloseRole(title string, other Nameable, to time.Time) {
	e.HistoricalRoles = append(e.HistoricalRoles, model.Role{
		Title: title,
		Name:  other.Ledger().Name,
		Slug:  other.Ledger().Slug,
		Kind:  other.Kind(),
		To:    to,
	})
}

// retire moves the first active role matching (kind, slug, title) to the
// historical ledger closed at to, or appends a fresh closure if none matches.
func (e *Entity) retire(kind model.Kind, slug, name, title string, to time.Time) {
	for i, r := range e.ActiveRoles {
		if r.Kind == kind && roleSlug(r) == slug && r.Title == title {
			r.To = to
			e.ActiveRoles = slices.Delete(e.ActiveRoles, i, i+1)
			e.HistoricalRoles = append(e.HistoricalRoles, r)
			return
		}
	}
	e.HistoricalRoles = append(e.HistoricalRoles, model.Role{
		Title: title,
		Name:  name,
		Slug:  slug,
		Kind:  kind,
		To:    to,
	})
}

// Touch advances the last-update time; it never moves backwards.
func (e *Entity) Touch(date time.Time) {
	if date.After(e.UpdatedAt) {
		e.UpdatedAt = date
	}
}

// ActiveByKind returns the active roles whose counterparty is of kind.
func (e *Entity) ActiveByKind(kind model.Kind) []model.Role {
	var out []model.Role
	for _, r := range e.ActiveRoles {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// AddCompany records a company the person is linked to, once.
func (p *Person) AddCompany(name string) {
	if !slices.Contains(p.Companies, name) {
		p.Companies = append(p.Companies, name)
	}
}

// roleSlug tolerates records stored without a slug.
func roleSlug(r model.Role) string {
	if r.Slug != "" {
		return r.Slug
	}
	return Slugify(r.Name)
}
