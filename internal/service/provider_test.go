package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/oai"
	"github.com/raphaelgruber/igsnharvest/internal/store"
	"github.com/raphaelgruber/igsnharvest/internal/timeconv"
	"github.com/stretchr/testify/require"
)

type fakeRecord struct {
	id      string
	stamp   time.Time
	deleted bool
}

// fakeProvider is a minimal OAI-PMH endpoint over an in-memory record list.
// ListRecords honours inclusive from/until and pages with offset tokens.
type fakeProvider struct {
	mu       sync.Mutex
	records  []fakeRecord
	earliest time.Time
	sets     []string
	pageSize int
	requests int
	// granularity overrides the seconds granularity reported by Identify.
	granularity string

	// hook runs before every request; returning a status short-circuits it.
	hook func(q url.Values, n int) int
}

func (p *fakeProvider) add(id string, stamp time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.records {
		if p.records[i].id == id {
			p.records[i].stamp = stamp
			return
		}
	}
	p.records = append(p.records, fakeRecord{id: id, stamp: stamp})
}

func (p *fakeProvider) remove(id string, stamp time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.records {
		if p.records[i].id == id {
			p.records[i].stamp = stamp
			p.records[i].deleted = true
		}
	}
}

func (p *fakeProvider) setHook(hook func(q url.Values, n int) int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = hook
}

func (p *fakeProvider) setEarliest(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.earliest = t
}

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p.mu.Lock()
	p.requests++
	n := p.requests
	hook := p.hook
	earliest := p.earliest
	granularity := p.granularity
	p.mu.Unlock()

	if hook != nil {
		if status := hook(q, n); status != 0 {
			w.WriteHeader(status)
			return
		}
	}

	var body string
	switch q.Get("verb") {
	case "Identify":
		if granularity == "" {
			granularity = "YYYY-MM-DDThh:mm:ssZ"
		}
		body = fmt.Sprintf(`<Identify><repositoryName>Fake IGSN</repositoryName><baseURL>http://fake</baseURL>
<protocolVersion>2.0</protocolVersion><adminEmail>admin@fake.org</adminEmail>
<earliestDatestamp>%s</earliestDatestamp><deletedRecord>persistent</deletedRecord>
<granularity>%s</granularity></Identify>`, earliest.Format(timeconv.OAITimeFormat), granularity)
	case "ListSets":
		var sb strings.Builder
		for _, s := range p.sets {
			fmt.Fprintf(&sb, "<set><setSpec>%s</setSpec><setName>%s</setName></set>", s, s)
		}
		body = "<ListSets>" + sb.String() + "</ListSets>"
	case "ListRecords":
		body = p.listRecords(q)
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">`+body+`</OAI-PMH>`)
}

func (p *fakeProvider) listRecords(q url.Values) string {
	from, until, offset := q.Get("from"), q.Get("until"), 0
	if tok := q.Get("resumptionToken"); tok != "" {
		parts := strings.SplitN(tok, "|", 3)
		offset, _ = strconv.Atoi(parts[0])
		from, until = parts[1], parts[2]
	}

	p.mu.Lock()
	var matched []fakeRecord
	for _, rec := range p.records {
		if from != "" && rec.stamp.Before(mustParse(from)) {
			continue
		}
		if until != "" && rec.stamp.After(mustParse(until)) {
			continue
		}
		matched = append(matched, rec)
	}
	pageSize := p.pageSize
	p.mu.Unlock()

	if len(matched) == 0 {
		return `<error code="noRecordsMatch">no records</error>`
	}
	if pageSize <= 0 {
		pageSize = 2
	}
	end := min(offset+pageSize, len(matched))

	var sb strings.Builder
	sb.WriteString("<ListRecords>")
	for _, rec := range matched[offset:end] {
		sb.WriteString(recordXML(rec))
	}
	token := ""
	if end < len(matched) {
		token = fmt.Sprintf("%d|%s|%s", end, from, until)
	}
	fmt.Fprintf(&sb, `<resumptionToken completeListSize="%d">%s</resumptionToken></ListRecords>`, len(matched), token)
	return sb.String()
}

func recordXML(rec fakeRecord) string {
	stamp := rec.stamp.Format(timeconv.OAITimeFormat)
	if rec.deleted {
		return fmt.Sprintf(`<record><header status="deleted"><identifier>oai:fake:%s</identifier><datestamp>%s</datestamp></header></record>`, rec.id, stamp)
	}
	return fmt.Sprintf(`<record><header><identifier>oai:fake:%s</identifier><datestamp>%s</datestamp><setSpec>IEDA</setSpec></header>
<metadata><sample xmlns="http://igsn.org/schema/kernel-v.1.0"><sampleNumber identifierType="igsn">10273/%s</sampleNumber>
<registrant><registrantName>IEDA</registrantName></registrant>
<log><logElement event="submitted" timeStamp="%s"/></log></sample></metadata></record>`,
		rec.id, stamp, rec.id, rec.stamp.Add(-time.Hour).Format(timeconv.OAITimeFormat))
}

func mustParse(s string) time.Time {
	t, err := timeconv.ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return t
}

var (
	epoch    = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	testNow  = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	discardL = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func day(n int) time.Time { return epoch.Add(time.Duration(n) * 24 * time.Hour) }

type harness struct {
	registry *Registry
	store    store.Store
	clock    *timeconv.ManualClock
	provider *fakeProvider
	service  *models.Service
}

func newHarness(t *testing.T, p *fakeProvider, st store.Store) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	if p.earliest.IsZero() {
		p.earliest = epoch
	}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	clock := timeconv.NewManualClock(testNow)
	clients := func(svc *models.Service) *oai.Client {
		return oai.NewClient(oai.Config{
			BaseURL:           svc.BaseURL,
			RequestsPerSecond: -1,
			MaxRetries:        2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        2 * time.Millisecond,
		}, discardL)
	}
	r := NewRegistry(st, Options{Clients: clients, Clock: clock, Logger: discardL})

	svc, err := r.AddService(context.Background(), srv.URL)
	require.NoError(t, err)
	return &harness{registry: r, store: st, clock: clock, provider: p, service: svc}
}
