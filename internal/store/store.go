// Package store persists gazettes, import logs, announcements and entity
// ledgers.
package store

import (
	"context"

	"github.com/jlchulilla/libreborme/internal/entity"
	"github.com/jlchulilla/libreborme/internal/model"
)

// ImportLogFilter specifies criteria for listing import logs.
type ImportLogFilter struct {
	Pending bool `json:"pending,omitempty"`
	Limit   int  `json:"limit,omitempty"`
	Offset  int  `json:"offset,omitempty"`
}

// Changeset is everything one announcement changed. Commit writes it in a
// single transaction.
type Changeset struct {
	Companies    []*entity.Company
	Persons      []*entity.Person
	Announcement *model.AnnouncementRecord
	// GazetteCVE receives Announcement.ID in its processed list.
	GazetteCVE string
}

// Empty reports whether the changeset writes nothing.
func (c *Changeset) Empty() bool {
	return len(c.Companies) == 0 && len(c.Persons) == 0 && c.Announcement == nil
}

// Store defines the persistence interface for the import engine. Lookups
// return (nil, nil) when the record does not exist.
type Store interface {
	entity.Finder

	// Gazettes
	GetGazette(ctx context.Context, cve string) (*model.Gazette, error)
	CreateGazette(ctx context.Context, g *model.Gazette) error

	// Import logs
	GetImportLog(ctx context.Context, cve string) (*model.ImportLog, error)
	SaveImportLog(ctx context.Context, l *model.ImportLog) error
	ListImportLogs(ctx context.Context, filter ImportLogFilter) ([]model.ImportLog, error)

	// Announcements
	GetAnnouncement(ctx context.Context, id, year int) (*model.AnnouncementRecord, error)

	// Commit persists an announcement unit atomically.
	Commit(ctx context.Context, cs *Changeset) error

	// RefreshSearchIndex fills missing search entries in batches and returns
	// the number of rows updated.
	RefreshSearchIndex(ctx context.Context, batch int) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(f ImportLogFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
