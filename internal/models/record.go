package models

import "time"

// Variant identifies which metadata dialect a record payload was decoded from.
type Variant string

const (
	// VariantIGSN is the IGSN registration kernel (kernel-v.1.0).
	VariantIGSN Variant = "igsn"
	// VariantDublinCore is unqualified oai_dc.
	VariantDublinCore Variant = "oai_dc"
	// VariantOpaque carries any other namespace as raw path/value pairs.
	VariantOpaque Variant = "opaque"
	// VariantNone is used for deleted records, which carry no metadata.
	VariantNone Variant = ""
)

// LogEvent is an entry of the IGSN kernel registration log.
type LogEvent struct {
	Event string    `json:"event"`
	Time  time.Time `json:"time"`
}

// RelatedIdentifier links a sample to another identifier.
type RelatedIdentifier struct {
	ID       string `json:"id"`
	IDType   string `json:"id_type"`
	Relation string `json:"rel_type"`
}

// Field is one element or attribute of an opaque payload, addressed by its
// slash-separated local-name path ("sample/size@unit").
type Field struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// SamplePayload holds the IGSN kernel values not already lifted into Record.
type SamplePayload struct {
	SampleNumber   string `json:"sample_number"`
	IdentifierType string `json:"identifier_type,omitempty"`
}

// DublinCorePayload holds the repeatable oai_dc elements.
type DublinCorePayload struct {
	Titles      []string `json:"titles,omitempty"`
	Creators    []string `json:"creators,omitempty"`
	Subjects    []string `json:"subjects,omitempty"`
	Identifiers []string `json:"identifiers,omitempty"`
	Dates       []string `json:"dates,omitempty"`
	Types       []string `json:"types,omitempty"`
	Publishers  []string `json:"publishers,omitempty"`
}

// Payload is the decoded record metadata. Exactly the member matching
// Variant is set.
type Payload struct {
	Variant    Variant            `json:"variant,omitempty"`
	Namespace  string             `json:"namespace,omitempty"`
	Sample     *SamplePayload     `json:"sample,omitempty"`
	DublinCore *DublinCorePayload `json:"dublin_core,omitempty"`
	Opaque     []Field            `json:"opaque,omitempty"`
	Raw        string             `json:"raw,omitempty"`
}

// Record is a normalized harvested record as produced by the protocol walker.
type Record struct {
	OAIID        string              `json:"oai_id"`
	ExternalID   string              `json:"external_id"`
	ProviderTime time.Time           `json:"provider_time"`
	IGSNTime     *time.Time          `json:"igsn_time,omitempty"`
	Registrant   string              `json:"registrant,omitempty"`
	SetSpecs     []string            `json:"set_specs,omitempty"`
	Deleted      bool                `json:"deleted,omitempty"`
	Log          []LogEvent          `json:"log,omitempty"`
	Related      []RelatedIdentifier `json:"related,omitempty"`
	Payload      Payload             `json:"payload"`
}
