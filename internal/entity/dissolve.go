package entity

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/jlchulilla/libreborme/internal/model"
)

// Cascade summarizes a dissolution.
type Cascade struct {
	// Closed is the number of active roles retired on the company.
	Closed int
	// Counterparties are the entities whose ledgers were updated.
	Counterparties []Nameable
	// Missing lists roles whose counterparty could not be found.
	Missing []model.Role
}

// Dissolve marks c dissolved on date and retires every active role on both
// sides of the relationship. All counterparties are looked up before any
// ledger changes, so a lookup error leaves c and its counterparties intact.
// A counterparty that does not exist is skipped and reported in Missing.
func Dissolve(ctx context.Context, c *Company, date time.Time, finder Finder) (*Cascade, error) {
	found := make([]Nameable, len(c.ActiveRoles))
	seen := make(map[string]Nameable)
	for i, r := range c.ActiveRoles {
		slug := roleSlug(r)
		if r.Kind == model.KindCompany && slug == c.Slug {
			continue
		}
		key := Key(r.Kind, slug)
		if n, ok := seen[key]; ok {
			found[i] = n
			continue
		}
		n, err := lookup(ctx, finder, r.Kind, slug)
		if err != nil {
			return nil, eris.Wrapf(err, "entity: dissolve %s: counterparty %s", c.Slug, key)
		}
		if n != nil {
			seen[key] = n
			found[i] = n
		}
	}

	res := &Cascade{}
	c.IsActive = false
	if c.DissolvedAt.IsZero() {
		c.DissolvedAt = date
	}
	c.Touch(date)

	for i, r := range c.ActiveRoles {
		closed := r
		closed.To = date
		c.HistoricalRoles = append(c.HistoricalRoles, closed)
		res.Closed++

		if r.Kind == model.KindCompany && roleSlug(r) == c.Slug {
			continue
		}
		n := found[i]
		if n == nil {
			res.Missing = append(res.Missing, r)
			continue
		}
		n.Ledger().retire(model.KindCompany, c.Slug, c.Name, r.Title, date)
		n.Ledger().Touch(date)
		if !containsEntity(res.Counterparties, n) {
			res.Counterparties = append(res.Counterparties, n)
		}
	}
	c.ActiveRoles = []model.Role{}
	return res, nil
}

// CounterpartyKeys returns the lock keys of every active counterparty of c.
func CounterpartyKeys(c *Company) []string {
	keys := make([]string, 0, len(c.ActiveRoles))
	for _, r := range c.ActiveRoles {
		keys = append(keys, Key(r.Kind, roleSlug(r)))
	}
	return keys
}

func lookup(ctx context.Context, finder Finder, kind model.Kind, slug string) (Nameable, error) {
	switch kind {
	case model.KindCompany:
		c, err := finder.GetCompany(ctx, slug)
		if err != nil || c == nil {
			return nil, err
		}
		return c, nil
	case model.KindPerson:
		p, err := finder.GetPerson(ctx, slug)
		if err != nil || p == nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, nil
	}
}

func containsEntity(list []Nameable, n Nameable) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}
