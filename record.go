package outages

import (
	"encoding/json"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Record is a single outage incident as parsed from the feed.
//
// The JSON field names are the ones the store has always held, so the
// structure must stay readable by every migration step.
type Record struct {
	// ID is the feed item guid. It is stable across re-ingestion.
	ID          string     `json:"id" validate:"required"`
	Date        civil.Date `json:"date"`
	County      string     `json:"judet"`
	Locality    string     `json:"localitate"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
}

// Validate reports whether the record can be persisted.
func (r *Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return &Error{
			Code: EInvalid,
			Op:   "outages.Record.Validate",
			Err:  err,
		}
	}
	if !r.Date.IsValid() {
		return &Error{
			Code: EInvalid,
			Op:   "outages.Record.Validate",
			Msg:  fmt.Sprintf("record %q has invalid date %v", r.ID, r.Date),
		}
	}
	return nil
}

// MarshalRecord encodes r in the stored representation.
func MarshalRecord(r *Record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, &Error{
			Code: EInvalid,
			Op:   "outages.MarshalRecord",
			Err:  err,
		}
	}
	return b, nil
}

// UnmarshalRecord decodes a stored record. Malformed payloads and records
// without an id are reported as EInvalid.
func UnmarshalRecord(b []byte) (*Record, error) {
	r := &Record{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, &Error{
			Code: EInvalid,
			Op:   "outages.UnmarshalRecord",
			Msg:  "malformed record payload",
			Err:  err,
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
