package entity

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jlchulilla/libreborme/internal/model"
)

// Finder looks entities up by slug. Not found is (nil, nil).
type Finder interface {
	GetCompany(ctx context.Context, slug string) (*Company, error)
	GetPerson(ctx context.Context, slug string) (*Person, error)
}

// Outcome describes how a name was resolved.
type Outcome int

// Resolution outcomes.
const (
	Existing Outcome = iota
	Created
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Conflict:
		return "conflict"
	default:
		return "existing"
	}
}

// Resolver maps display names to entities by slug.
type Resolver struct {
	finder Finder
	log    *zap.Logger
}

// NewResolver creates a resolver reading through finder. log may be nil.
func NewResolver(finder Finder, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{finder: finder, log: log}
}

// Company returns the company stored under Slugify(name), or a new
// unpersisted one. A stored company with a different display name is
// returned with Conflict; identities are never merged.
func (r *Resolver) Company(ctx context.Context, name, legalForm string) (*Company, Outcome, error) {
	slug := Slugify(name)
	if slug == "" {
		return nil, Existing, eris.Errorf("entity: company name %q has an empty slug", name)
	}

	existing, err := r.finder.GetCompany(ctx, slug)
	if err != nil {
		return nil, Existing, eris.Wrapf(err, "entity: resolve company %s", slug)
	}
	if existing == nil {
		return NewCompany(name, legalForm), Created, nil
	}
	if existing.Name != name {
		r.conflict(model.KindCompany, slug, existing.Name, name)
		return existing, Conflict, nil
	}
	return existing, Existing, nil
}

// Person is the Company counterpart for natural persons.
func (r *Resolver) Person(ctx context.Context, name string) (*Person, Outcome, error) {
	slug := Slugify(name)
	if slug == "" {
		return nil, Existing, eris.Errorf("entity: person name %q has an empty slug", name)
	}

	existing, err := r.finder.GetPerson(ctx, slug)
	if err != nil {
		return nil, Existing, eris.Wrapf(err, "entity: resolve person %s", slug)
	}
	if existing == nil {
		return NewPerson(name), Created, nil
	}
	if existing.Name != name {
		r.conflict(model.KindPerson, slug, existing.Name, name)
		return existing, Conflict, nil
	}
	return existing, Existing, nil
}

func (r *Resolver) conflict(kind model.Kind, slug, stored, seen string) {
	r.log.Warn("entity: slug collision",
		zap.String("kind", string(kind)),
		zap.String("slug", slug),
		zap.String("stored_name", stored),
		zap.String("name", seen),
	)
}
