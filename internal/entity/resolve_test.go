package entity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestResolver_CompanyCreated(t *testing.T) {
	r := NewResolver(newMemFinder(), nil)

	c, outcome, err := r.Company(context.Background(), "ACME, S.L.", "SL")
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.Equal(t, "acme-sl", c.Slug)
	assert.True(t, c.IsActive)
}

func TestResolver_CompanyExisting(t *testing.T) {
	stored := NewCompany("ACME, S.L.", "SL")
	r := NewResolver(newMemFinder(stored), nil)

	c, outcome, err := r.Company(context.Background(), "ACME, S.L.", "SL")
	require.NoError(t, err)
	assert.Equal(t, Existing, outcome)
	assert.Same(t, stored, c)
}

func TestResolver_CompanyConflictReturnsExisting(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	stored := NewCompany("ACME S.L.", "SL")
	r := NewResolver(newMemFinder(stored), zap.New(core))

	c, outcome, err := r.Company(context.Background(), "Acme, S.L.", "SL")
	require.NoError(t, err)
	assert.Equal(t, Conflict, outcome)
	assert.Same(t, stored, c)
	assert.Equal(t, "ACME S.L.", c.Name)
	entries := logs.FilterMessage("entity: slug collision").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "acme-sl", entries[0].ContextMap()["slug"])
}

func TestResolver_PersonOutcomes(t *testing.T) {
	stored := NewPerson("Juan Pérez García")
	r := NewResolver(newMemFinder(stored), nil)
	ctx := context.Background()

	_, outcome, err := r.Person(ctx, "Juan Pérez García")
	require.NoError(t, err)
	assert.Equal(t, Existing, outcome)

	_, outcome, err = r.Person(ctx, "JUAN PEREZ GARCIA")
	require.NoError(t, err)
	assert.Equal(t, Conflict, outcome)

	p, outcome, err := r.Person(ctx, "Ana Ruiz")
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.Equal(t, "ana-ruiz", p.Slug)
}

func TestResolver_EmptySlug(t *testing.T) {
	r := NewResolver(newMemFinder(), nil)
	_, _, err := r.Company(context.Background(), "...", "")
	assert.Error(t, err)
	_, _, err = r.Person(context.Background(), "")
	assert.Error(t, err)
}

func TestResolver_FinderError(t *testing.T) {
	f := newMemFinder()
	f.err = errors.New("db down")
	r := NewResolver(f, nil)

	_, _, err := r.Company(context.Background(), "ACME SL", "SL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "existing", Existing.String())
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "conflict", Conflict.String())
}
