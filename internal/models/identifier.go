package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// UpsertResult reports what an identifier upsert did.
type UpsertResult string

const (
	UpsertInserted  UpsertResult = "inserted"
	UpsertUpdated   UpsertResult = "updated"
	UpsertUnchanged UpsertResult = "unchanged"
)

// Identifier is a persisted harvested record, unique per (ServiceID, ExternalID).
type Identifier struct {
	ID           string              `json:"id"`
	ServiceID    string              `json:"service_id"`
	ExternalID   string              `json:"external_id"`
	OAIID        string              `json:"oai_id"`
	Registrant   string              `json:"registrant,omitempty"`
	ProviderTime time.Time           `json:"provider_time"`
	IGSNTime     *time.Time          `json:"igsn_time,omitempty"`
	HarvestedAt  time.Time           `json:"harvested_at"`
	SetSpecs     []string            `json:"set_specs,omitempty"`
	Log          []LogEvent          `json:"log,omitempty"`
	Related      []RelatedIdentifier `json:"related,omitempty"`
	Payload      Payload             `json:"payload"`
	Deleted      bool                `json:"deleted"`
}

// NewIdentifier builds the row for a record seen for the first time.
func NewIdentifier(id, serviceID string, rec *Record, harvestedAt time.Time) *Identifier {
	ident := &Identifier{
		ID:          id,
		ServiceID:   serviceID,
		ExternalID:  rec.ExternalID,
		HarvestedAt: harvestedAt.UTC(),
	}
	ident.copyFrom(rec)
	return ident
}

// Apply merges a re-harvested record into the row. The harvest timestamp is
// always refreshed. Content from a record older than the stored provider
// time is ignored. Unchanged is reported when no mutable field differs.
func (i *Identifier) Apply(rec *Record, harvestedAt time.Time) UpsertResult {
	i.HarvestedAt = harvestedAt.UTC()
	if rec.ProviderTime.Before(i.ProviderTime) {
		return UpsertUnchanged
	}
	before := i.contentKey()
	i.copyFrom(rec)
	if bytes.Equal(before, i.contentKey()) {
		return UpsertUnchanged
	}
	return UpsertUpdated
}

func (i *Identifier) copyFrom(rec *Record) {
	i.OAIID = rec.OAIID
	i.Registrant = rec.Registrant
	i.ProviderTime = rec.ProviderTime.UTC()
	i.IGSNTime = nil
	if rec.IGSNTime != nil {
		t := rec.IGSNTime.UTC()
		i.IGSNTime = &t
	}
	i.SetSpecs = rec.SetSpecs
	i.Log = rec.Log
	i.Related = rec.Related
	i.Payload = rec.Payload
	i.Deleted = rec.Deleted
}

// identifierContent is every mutable field except HarvestedAt. omitempty
// makes nil and empty collections compare equal after a storage round trip.
type identifierContent struct {
	OAIID        string              `json:"oai_id,omitempty"`
	Registrant   string              `json:"registrant,omitempty"`
	ProviderTime string              `json:"provider_time"`
	IGSNTime     string              `json:"igsn_time,omitempty"`
	SetSpecs     []string            `json:"set_specs,omitempty"`
	Log          []LogEvent          `json:"log,omitempty"`
	Related      []RelatedIdentifier `json:"related,omitempty"`
	Payload      Payload             `json:"payload"`
	Deleted      bool                `json:"deleted,omitempty"`
}

func (i *Identifier) contentKey() []byte {
	c := identifierContent{
		OAIID:        i.OAIID,
		Registrant:   i.Registrant,
		ProviderTime: i.ProviderTime.UTC().Format(time.RFC3339Nano),
		SetSpecs:     i.SetSpecs,
		Log:          make([]LogEvent, len(i.Log)),
		Related:      i.Related,
		Payload:      i.Payload,
		Deleted:      i.Deleted,
	}
	if i.IGSNTime != nil {
		c.IGSNTime = i.IGSNTime.UTC().Format(time.RFC3339Nano)
	}
	for n, ev := range i.Log {
		c.Log[n] = LogEvent{Event: ev.Event, Time: ev.Time.UTC()}
	}
	// Marshalling plain strings, slices and structs cannot fail.
	b, _ := json.Marshal(c)
	return b
}

// SameContent reports whether two rows hold identical mutable fields.
func (i *Identifier) SameContent(other *Identifier) bool {
	return bytes.Equal(i.contentKey(), other.contentKey())
}
