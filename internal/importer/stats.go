package importer

import "go.uber.org/zap"

// Stats counts what an import created and saw.
type Stats struct {
	CreatedAnnouncements int `json:"created_announcements"`
	CreatedDocuments     int `json:"created_documents"`
	CreatedCompanies     int `json:"created_companies"`
	CreatedPersons       int `json:"created_persons"`
	TotalAnnouncements   int `json:"total_announcements"`
	TotalDocuments       int `json:"total_documents"`
	TotalCompanies       int `json:"total_companies"`
	TotalPersons         int `json:"total_persons"`
	Errors               int `json:"errors"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.CreatedAnnouncements += o.CreatedAnnouncements
	s.CreatedDocuments += o.CreatedDocuments
	s.CreatedCompanies += o.CreatedCompanies
	s.CreatedPersons += o.CreatedPersons
	s.TotalAnnouncements += o.TotalAnnouncements
	s.TotalDocuments += o.TotalDocuments
	s.TotalCompanies += o.TotalCompanies
	s.TotalPersons += o.TotalPersons
	s.Errors += o.Errors
}

// IsZero reports whether nothing was counted.
func (s Stats) IsZero() bool {
	return s == Stats{}
}

// Fields renders the counters as log fields.
func (s Stats) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("created_documents", s.CreatedDocuments),
		zap.Int("total_documents", s.TotalDocuments),
		zap.Int("created_announcements", s.CreatedAnnouncements),
		zap.Int("total_announcements", s.TotalAnnouncements),
		zap.Int("created_companies", s.CreatedCompanies),
		zap.Int("total_companies", s.TotalCompanies),
		zap.Int("created_persons", s.CreatedPersons),
		zap.Int("total_persons", s.TotalPersons),
		zap.Int("errors", s.Errors),
	}
}
