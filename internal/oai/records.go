package oai

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/fault"
	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/timeconv"
)

// payloadDecoder fills rec from the metadata element of a record.
type payloadDecoder func(data []byte, rec *models.Record) error

var decoders = map[string]payloadDecoder{
	NamespaceIGSNKernel: decodeKernel,
	NamespaceOAIDC:      decodeDublinCore,
}

// buildRecord normalizes one ListRecords entry. Errors are per record.
func buildRecord(raw *rawRecord) (*models.Record, error) {
	oaiID := strings.TrimSpace(raw.Header.Identifier)
	if oaiID == "" {
		return nil, fault.Protocolf("record", "header without identifier")
	}
	provider, err := timeconv.ParseTimestamp(raw.Header.Datestamp)
	if err != nil {
		return nil, fmt.Errorf("record %s datestamp: %w", oaiID, err)
	}

	rec := &models.Record{
		OAIID:        oaiID,
		ExternalID:   oaiID,
		ProviderTime: provider,
		SetSpecs:     trimAll(raw.Header.SetSpecs),
		Deleted:      strings.EqualFold(strings.TrimSpace(raw.Header.Status), "deleted"),
	}
	if rec.Deleted || raw.Metadata == nil || len(bytes.TrimSpace(raw.Metadata.Inner)) == 0 {
		return rec, nil
	}

	data := raw.Metadata.Inner
	ns, err := rootNamespace(data)
	if err != nil {
		return nil, fault.Protocol("record "+oaiID+" metadata", err)
	}
	decodeFn, ok := decoders[ns]
	if !ok {
		decodeFn = opaqueDecoder(ns)
	}
	if err := decodeFn(data, rec); err != nil {
		return nil, fmt.Errorf("record %s metadata: %w", oaiID, err)
	}
	return rec, nil
}

// rootNamespace returns the namespace URI of the first element in data.
func rootNamespace(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", errors.New("metadata has no root element")
			}
			return "", err
		}
		if start, ok := tok.(xml.StartElement); ok {
			if uri, known := knownPrefixes[start.Name.Space]; known {
				return uri, nil
			}
			return start.Name.Space, nil
		}
	}
}

type kernelSample struct {
	SampleNumber struct {
		Value          string `xml:",chardata"`
		IdentifierType string `xml:"identifierType,attr"`
	} `xml:"sampleNumber"`
	Registrant struct {
		Name string `xml:"registrantName"`
	} `xml:"registrant"`
	Log []struct {
		Event     string `xml:"event,attr"`
		TimeStamp string `xml:"timeStamp,attr"`
	} `xml:"log>logElement"`
	Related []struct {
		Value    string `xml:",chardata"`
		Type     string `xml:"relatedIdentifierType,attr"`
		Relation string `xml:"relationType,attr"`
	} `xml:"relatedResourceIdentifiers>relatedIdentifier"`
}

// igsnTimeRank orders the log events that may stand for the registration time.
var igsnTimeRank = map[string]int{
	"submitted":  1,
	"registered": 2,
	"updated":    3,
}

func decodeKernel(data []byte, rec *models.Record) error {
	var s kernelSample
	if err := xml.Unmarshal(data, &s); err != nil {
		return fault.Protocol("decode igsn kernel", err)
	}

	number := strings.TrimSpace(s.SampleNumber.Value)
	if value, ok := models.NormalizeIGSN(number); ok {
		rec.ExternalID = value
	}
	rec.Registrant = strings.TrimSpace(s.Registrant.Name)

	bestRank := 0
	for _, entry := range s.Log {
		event := strings.ToLower(strings.TrimSpace(entry.Event))
		ts, err := timeconv.ParseTimestamp(entry.TimeStamp)
		if err != nil {
			return fmt.Errorf("log event %q: %w", event, err)
		}
		rec.Log = append(rec.Log, models.LogEvent{Event: event, Time: ts})
		if rank, ok := igsnTimeRank[event]; ok && (bestRank == 0 || rank < bestRank) {
			bestRank = rank
			t := ts
			rec.IGSNTime = &t
		}
	}

	for _, rel := range s.Related {
		rec.Related = append(rec.Related, models.RelatedIdentifier{
			ID:       strings.TrimSpace(rel.Value),
			IDType:   strings.TrimSpace(rel.Type),
			Relation: strings.TrimSpace(rel.Relation),
		})
	}

	rec.Payload = models.Payload{
		Variant:   models.VariantIGSN,
		Namespace: NamespaceIGSNKernel,
		Sample: &models.SamplePayload{
			SampleNumber:   number,
			IdentifierType: strings.TrimSpace(s.SampleNumber.IdentifierType),
		},
	}
	return nil
}

type dublinCore struct {
	Titles      []string `xml:"title"`
	Creators    []string `xml:"creator"`
	Subjects    []string `xml:"subject"`
	Identifiers []string `xml:"identifier"`
	Dates       []string `xml:"date"`
	Types       []string `xml:"type"`
	Publishers  []string `xml:"publisher"`
}

func decodeDublinCore(data []byte, rec *models.Record) error {
	var dc dublinCore
	if err := xml.Unmarshal(data, &dc); err != nil {
		return fault.Protocol("decode oai_dc", err)
	}
	identifiers := trimAll(dc.Identifiers)
	for _, id := range identifiers {
		if value, ok := models.NormalizeIGSN(id); ok && strings.ContainsAny(id, "/:") {
			rec.ExternalID = value
			break
		}
	}
	if len(dc.Publishers) > 0 {
		rec.Registrant = strings.TrimSpace(dc.Publishers[0])
	}
	rec.Payload = models.Payload{
		Variant:   models.VariantDublinCore,
		Namespace: NamespaceOAIDC,
		DublinCore: &models.DublinCorePayload{
			Titles:      trimAll(dc.Titles),
			Creators:    trimAll(dc.Creators),
			Subjects:    trimAll(dc.Subjects),
			Identifiers: identifiers,
			Dates:       trimAll(dc.Dates),
			Types:       trimAll(dc.Types),
			Publishers:  trimAll(dc.Publishers),
		},
	}
	return nil
}

func opaqueDecoder(ns string) payloadDecoder {
	return func(data []byte, rec *models.Record) error {
		fields, err := flatten(data)
		if err != nil {
			return fault.Protocol("decode opaque metadata", err)
		}
		rec.Payload = models.Payload{
			Variant:   models.VariantOpaque,
			Namespace: ns,
			Opaque:    fields,
			Raw:       strings.TrimSpace(string(data)),
		}
		return nil
	}
}

// flatten turns an XML fragment into slash-separated local-name paths with
// their text and attribute values.
func flatten(data []byte) ([]models.Field, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		path   []string
		fields []models.Field
		text   strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			text.Reset()
			for _, attr := range t.Attr {
				if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" || attr.Name.Space == NamespaceXSI || attr.Name.Space == "xsi" {
					continue
				}
				fields = append(fields, models.Field{
					Path:  strings.Join(path, "/") + "@" + attr.Name.Local,
					Value: attr.Value,
				})
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if v := strings.TrimSpace(text.String()); v != "" {
				fields = append(fields, models.Field{Path: strings.Join(path, "/"), Value: v})
			}
			text.Reset()
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
		}
	}
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseDatestamp parses an Identify earliestDatestamp.
func parseDatestamp(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := timeconv.ParseTimestamp(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
