package oai

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Namespaces seen in IGSN OAI-PMH responses.
const (
	NamespaceOAI        = "http://www.openarchives.org/OAI/2.0/"
	NamespaceOAIDC      = "http://www.openarchives.org/OAI/2.0/oai_dc/"
	NamespaceDC         = "http://purl.org/dc/elements/1.1/"
	NamespaceIGSNKernel = "http://igsn.org/schema/kernel-v.1.0"
	NamespaceIGSNDesc   = "http://schema.igsn.org/description/1.0"
	NamespaceXSI        = "http://www.w3.org/2001/XMLSchema-instance"
)

// knownPrefixes resolves metadata roots whose prefix was declared on an
// ancestor element and is therefore lost once the payload is cut out.
var knownPrefixes = map[string]string{
	"oai":       NamespaceOAI,
	"oai_dc":    NamespaceOAIDC,
	"dc":        NamespaceDC,
	"igsn":      NamespaceIGSNKernel,
	"igsn_desc": NamespaceIGSNDesc,
	"xsi":       NamespaceXSI,
}

// OAI-PMH error codes handled specially.
const (
	CodeNoRecordsMatch     = "noRecordsMatch"
	CodeNoSetHierarchy     = "noSetHierarchy"
	CodeBadResumptionToken = "badResumptionToken"
)

// Error is an error condition reported by the provider inside a 200 response.
type Error struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return "oai-pmh " + e.Code
	}
	return fmt.Sprintf("oai-pmh %s: %s", e.Code, msg)
}

type envelope struct {
	XMLName      xml.Name         `xml:"OAI-PMH"`
	ResponseDate string           `xml:"responseDate"`
	Errors       []Error          `xml:"error"`
	Identify     *identifyBody    `xml:"Identify"`
	ListRecords  *listRecordsBody `xml:"ListRecords"`
	ListSets     *listSetsBody    `xml:"ListSets"`
}

// firstError returns the first provider error, or nil.
func (e *envelope) firstError() *Error {
	if len(e.Errors) == 0 {
		return nil
	}
	return &e.Errors[0]
}

type identifyBody struct {
	RepositoryName    string   `xml:"repositoryName"`
	BaseURL           string   `xml:"baseURL"`
	ProtocolVersion   string   `xml:"protocolVersion"`
	AdminEmails       []string `xml:"adminEmail"`
	EarliestDatestamp string   `xml:"earliestDatestamp"`
	DeletedRecord     string   `xml:"deletedRecord"`
	Granularity       string   `xml:"granularity"`
}

type listRecordsBody struct {
	Records []rawRecord      `xml:"record"`
	Token   *resumptionToken `xml:"resumptionToken"`
}

type listSetsBody struct {
	Sets  []rawSet         `xml:"set"`
	Token *resumptionToken `xml:"resumptionToken"`
}

type rawSet struct {
	Spec string `xml:"setSpec"`
	Name string `xml:"setName"`
}

type rawRecord struct {
	Header   header       `xml:"header"`
	Metadata *rawMetadata `xml:"metadata"`
}

type header struct {
	Status     string   `xml:"status,attr"`
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	SetSpecs   []string `xml:"setSpec"`
}

type rawMetadata struct {
	Inner []byte `xml:",innerxml"`
}

type resumptionToken struct {
	Value            string `xml:",chardata"`
	CompleteListSize string `xml:"completeListSize,attr"`
	Cursor           string `xml:"cursor,attr"`
	ExpirationDate   string `xml:"expirationDate,attr"`
}

// next returns the trimmed token, empty when the list is complete.
func (t *resumptionToken) next() string {
	if t == nil {
		return ""
	}
	return strings.TrimSpace(t.Value)
}

// size returns completeListSize, or -1 when absent or unparseable.
func (t *resumptionToken) size() int {
	if t == nil {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(t.CompleteListSize))
	if err != nil {
		return -1
	}
	return n
}
