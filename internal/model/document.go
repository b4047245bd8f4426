// Package model defines the gazette records exchanged between the source,
// the importer and the store.
package model

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// Document is one parsed BORME publication, as produced by a parser.
type Document struct {
	CVE           string         `json:"cve"`
	Date          time.Time      `json:"date"`
	URL           string         `json:"url"`
	From          int            `json:"from_announcement"`
	Until         int            `json:"until_announcement"`
	Province      string         `json:"province"`
	Section       string         `json:"section"`
	Filename      string         `json:"filename,omitempty"`
	Announcements []Announcement `json:"announcements"`
}

// Announcement is one registry entry inside a document.
type Announcement struct {
	ID           int    `json:"id"`
	Company      string `json:"company"`
	RegistryData string `json:"registry_data,omitempty"`
	Acts         []Act  `json:"acts"`
}

// Act is a registry fact. Officer-change acts carry Roles (role title to the
// names listed under it); every other act carries an opaque Value.
type Act struct {
	Name  string              `json:"name"`
	Roles map[string][]string `json:"roles,omitempty"`
	Value string              `json:"value,omitempty"`
}

// IsOfficerChange reports whether the act lists officer roles.
func (a Act) IsOfficerChange() bool {
	return a.Roles != nil
}

// Titles returns the role titles in sorted order.
func (a Act) Titles() []string {
	titles := make([]string, 0, len(a.Roles))
	for t := range a.Roles {
		titles = append(titles, t)
	}
	sort.Strings(titles)
	return titles
}

// Year is the publication year; announcement ids are unique within it.
func (d *Document) Year() int {
	return d.Date.Year()
}

// Ref returns the minimal reference embedded in entities.
func (d *Document) Ref() DocumentRef {
	return DocumentRef{CVE: d.CVE, URL: d.URL}
}

// Validate checks the fields the importer relies on.
func (d *Document) Validate() error {
	if d.CVE == "" {
		return eris.New("model: document has no cve")
	}
	if d.Date.IsZero() {
		return eris.Errorf("model: document %s has no date", d.CVE)
	}
	for i, a := range d.Announcements {
		if a.ID <= 0 {
			return eris.Errorf("model: document %s announcement #%d has invalid id %d", d.CVE, i, a.ID)
		}
	}
	return nil
}

// DocumentRef is the document identifier and URL stored on entities.
type DocumentRef struct {
	CVE string `json:"cve"`
	URL string `json:"url"`
}

// DateLayout is the calendar-date layout used in snapshots and flags.
const DateLayout = "2006-01-02"

// UnmarshalJSON accepts the date either as a calendar date or as RFC 3339.
func (d *Document) UnmarshalJSON(data []byte) error {
	type plain Document
	aux := struct {
		*plain
		Date string `json:"date"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return eris.Wrap(err, "model: decode document")
	}
	if aux.Date == "" {
		d.Date = time.Time{}
		return nil
	}
	t, err := time.Parse(DateLayout, aux.Date)
	if err != nil {
		t, err = time.Parse(time.RFC3339, aux.Date)
		if err != nil {
			return eris.Wrapf(err, "model: document date %q", aux.Date)
		}
	}
	d.Date = Day(t)
	return nil
}

// MarshalJSON writes the date as a calendar date.
func (d Document) MarshalJSON() ([]byte, error) {
	type plain Document
	return json.Marshal(struct {
		plain
		Date string `json:"date"`
	}{plain: plain(d), Date: d.Date.Format(DateLayout)})
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, dd := t.Date()
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}
