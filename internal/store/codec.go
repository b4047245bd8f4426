package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/jlchulilla/libreborme/internal/entity"
)

// ledgerJSON holds the JSON-encoded ledger columns shared by companies and
// persons.
type ledgerJSON struct {
	announcements []byte
	documents     []byte
	active        []byte
	historical    []byte
}

func encodeLedger(e *entity.Entity) (ledgerJSON, error) {
	var (
		l   ledgerJSON
		err error
	)
	if l.announcements, err = json.Marshal(nonNil(e.Announcements)); err != nil {
		return l, eris.Wrap(err, "announcements")
	}
	if l.documents, err = json.Marshal(nonNil(e.Documents)); err != nil {
		return l, eris.Wrap(err, "documents")
	}
	if l.active, err = json.Marshal(nonNil(e.ActiveRoles)); err != nil {
		return l, eris.Wrap(err, "active roles")
	}
	if l.historical, err = json.Marshal(nonNil(e.HistoricalRoles)); err != nil {
		return l, eris.Wrap(err, "historical roles")
	}
	return l, nil
}

func (l ledgerJSON) decode(e *entity.Entity) error {
	if err := unmarshalList(l.announcements, &e.Announcements); err != nil {
		return eris.Wrap(err, "announcements")
	}
	if err := unmarshalList(l.documents, &e.Documents); err != nil {
		return eris.Wrap(err, "documents")
	}
	if err := unmarshalList(l.active, &e.ActiveRoles); err != nil {
		return eris.Wrap(err, "active roles")
	}
	if err := unmarshalList(l.historical, &e.HistoricalRoles); err != nil {
		return eris.Wrap(err, "historical roles")
	}
	return nil
}

// unmarshalList decodes a JSON array column; an empty column leaves v as is.
func unmarshalList(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// nonNil makes nil slices encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
