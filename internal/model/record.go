package model

import "time"

// Kind tags an entity as a company or a natural person.
type Kind string

// Entity kinds.
const (
	KindCompany Kind = "company"
	KindPerson  Kind = "person"
)

// Role is one officer relationship as recorded on an entity's ledger. Name,
// Slug and Kind describe the counterparty. To is zero while the role is open.
type Role struct {
	Title string    `json:"title"`
	Name  string    `json:"name"`
	Slug  string    `json:"slug"`
	Kind  Kind      `json:"type"`
	From  time.Time `json:"date_from,omitzero"`
	To    time.Time `json:"date_to,omitzero"`
}

// Gazette is the persisted form of a document. Announcements lists the ids of
// announcements already folded into the ledgers, in processing order.
type Gazette struct {
	CVE           string    `json:"cve"`
	Date          time.Time `json:"date"`
	URL           string    `json:"url"`
	From          int       `json:"from_announcement"`
	Until         int       `json:"until_announcement"`
	Province      string    `json:"province"`
	Section       string    `json:"section"`
	Announcements []int     `json:"announcements"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewGazette builds the gazette record for a freshly seen document.
func NewGazette(doc *Document) *Gazette {
	return &Gazette{
		CVE:      doc.CVE,
		Date:     Day(doc.Date),
		URL:      doc.URL,
		From:     doc.From,
		Until:    doc.Until,
		Province: doc.Province,
		Section:  doc.Section,
	}
}

// Processed reports whether announcement id was already imported.
func (g *Gazette) Processed(id int) bool {
	for _, a := range g.Announcements {
		if a == id {
			return true
		}
	}
	return false
}

// ImportLog tracks whether a gazette has been fully imported.
type ImportLog struct {
	CVE       string     `json:"cve"`
	Path      string     `json:"path,omitempty"`
	Parsed    bool       `json:"parsed"`
	Errors    int        `json:"errors"`
	ParsedAt  *time.Time `json:"parsed_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastError string     `json:"last_error,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
}

// AnnouncementRecord is the persisted announcement, unique per (ID, Year).
type AnnouncementRecord struct {
	ID           int         `json:"id"`
	Year         int         `json:"year"`
	CVE          string      `json:"cve"`
	CompanySlug  string      `json:"company_slug"`
	RegistryData string      `json:"registry_data,omitempty"`
	Acts         []ActRecord `json:"acts"`
}

// ActRecord is an act as stored on the announcement: the resolved role list
// for officer-change acts, the verbatim value otherwise.
type ActRecord struct {
	Name  string `json:"name"`
	Roles []Role `json:"roles,omitempty"`
	Value string `json:"value,omitempty"`
}

// SetAct replaces the act with the same name or appends a new one.
func (a *AnnouncementRecord) SetAct(act ActRecord) {
	for i := range a.Acts {
		if a.Acts[i].Name == act.Name {
			a.Acts[i] = act
			return
		}
	}
	a.Acts = append(a.Acts, act)
}
