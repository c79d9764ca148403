package models

import "time"

// Status is the validation state of a single record.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusValid     Status = "Valid"
	StatusInvalid   Status = "Invalid"
	StatusError     Status = "Error"
	StatusCancelled Status = "Cancelled"
)

// TimeoutMessage is attached to records forcibly failed because validation
// did not finish before the batch deadline.
const TimeoutMessage = "validation did not complete in time"

// IsTerminal returns true for every status except Pending.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// Known reports whether s is one of the five defined statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusValid, StatusInvalid, StatusError, StatusCancelled:
		return true
	}
	return false
}

// SchemaColumn describes one column of a tabular dataset.
type SchemaColumn struct {
	Name string `json:"name" msgpack:"name" yaml:"name"`
	Type string `json:"type" msgpack:"type" yaml:"type"`
}

// ValidationFields carries the metadata the server extracts from a valid asset.
type ValidationFields struct {
	Format string         `json:"format,omitempty" msgpack:"format,omitempty" yaml:"format,omitempty"`
	Shape  []int64        `json:"shape,omitempty" msgpack:"shape,omitempty" yaml:"shape,omitempty"`
	Schema []SchemaColumn `json:"schema,omitempty" msgpack:"schema,omitempty" yaml:"schema,omitempty"`
}

// Clone returns a deep copy.
func (f *ValidationFields) Clone() *ValidationFields {
	if f == nil {
		return nil
	}
	out := &ValidationFields{Format: f.Format}
	if f.Shape != nil {
		out.Shape = append([]int64(nil), f.Shape...)
	}
	if f.Schema != nil {
		out.Schema = append([]SchemaColumn(nil), f.Schema...)
	}
	return out
}

// ValidationRecord is the unit tracked by the job registry.
// ID is issued by the server and never changes.
type ValidationRecord struct {
	ID            string            `json:"id" msgpack:"id" yaml:"id"`
	Name          string            `json:"name" msgpack:"name" yaml:"name"`
	Description   string            `json:"description,omitempty" msgpack:"description,omitempty" yaml:"description,omitempty"`
	Kind          AssetKind         `json:"kind,omitempty" msgpack:"kind,omitempty" yaml:"kind,omitempty"`
	Status        Status            `json:"status" msgpack:"status" yaml:"status"`
	Fields        *ValidationFields `json:"validationFields,omitempty" msgpack:"fields,omitempty" yaml:"validationFields,omitempty"`
	ErrorMessages []string          `json:"errorMessages,omitempty" msgpack:"errors,omitempty" yaml:"errorMessages,omitempty"`
	CreatedAt     time.Time         `json:"createdAt" msgpack:"created_at" yaml:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt" msgpack:"updated_at" yaml:"updatedAt"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r ValidationRecord) Clone() ValidationRecord {
	out := r
	out.Fields = r.Fields.Clone()
	if r.ErrorMessages != nil {
		out.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	}
	return out
}

// TimedOut reports whether the record was failed by the batch deadline.
func (r ValidationRecord) TimedOut() bool {
	if r.Status != StatusError {
		return false
	}
	for _, msg := range r.ErrorMessages {
		if msg == TimeoutMessage {
			return true
		}
	}
	return false
}
