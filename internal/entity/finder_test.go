package entity

import (
	"context"
)

// memFinder is a map-backed Finder for tests.
type memFinder struct {
	companies map[string]*Company
	persons   map[string]*Person
	err       error
}

func newMemFinder(entities ...Nameable) *memFinder {
	f := &memFinder{
		companies: make(map[string]*Company),
		persons:   make(map[string]*Person),
	}
	for _, e := range entities {
		switch v := e.(type) {
		case *Company:
			f.companies[v.Slug] = v
		case *Person:
			f.persons[v.Slug] = v
		}
	}
	return f
}

func (f *memFinder) GetCompany(_ context.Context, slug string) (*Company, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.companies[slug], nil
}

func (f *memFinder) GetPerson(_ context.Context, slug string) (*Person, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.persons[slug], nil
}
