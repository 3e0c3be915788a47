package oai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelopeXML(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><responseDate>2020-01-01T00:00:00Z</responseDate>` + body + `</OAI-PMH>`
}

func listRecordsXML(records []string, token string, size int) string {
	tok := ""
	if token != "" || size >= 0 {
		attr := ""
		if size >= 0 {
			attr = fmt.Sprintf(` completeListSize="%d"`, size)
		}
		tok = fmt.Sprintf(`<resumptionToken%s>%s</resumptionToken>`, attr, token)
	}
	return envelopeXML("<ListRecords>" + strings.Join(records, "") + tok + "</ListRecords>")
}

func recordXML(id, datestamp string, deleted bool) string {
	if deleted {
		return fmt.Sprintf(`<record><header status="deleted"><identifier>oai:test:%s</identifier><datestamp>%s</datestamp></header></record>`, id, datestamp)
	}
	return fmt.Sprintf(`<record><header><identifier>oai:test:%s</identifier><datestamp>%s</datestamp><setSpec>S</setSpec></header>
<metadata><sample xmlns="http://igsn.org/schema/kernel-v.1.0"><sampleNumber>10273/%s</sampleNumber>
<registrant><registrantName>IEDA</registrantName></registrant></sample></metadata></record>`, id, datestamp, id)
}

// provider serves canned responses keyed by request and records every query.
type provider struct {
	mu       sync.Mutex
	queries  []url.Values
	handle   func(q url.Values, n int) (int, string)
	requests atomic.Int32
}

func (p *provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(p.requests.Add(1))
	p.mu.Lock()
	p.queries = append(p.queries, r.URL.Query())
	p.mu.Unlock()

	status, body := p.handle(r.URL.Query(), n)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newTestClient(t *testing.T, p *provider) *Client {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:           srv.URL,
		RequestsPerSecond: -1,
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
	}, nil)
}

func TestWalkerFollowsTokensThroughEmptyPage(t *testing.T) {
	p := &provider{handle: func(q url.Values, _ int) (int, string) {
		switch q.Get("resumptionToken") {
		case "":
			return 200, listRecordsXML([]string{
				recordXML("A", "2020-01-01T00:00:00Z", false),
				recordXML("B", "2020-01-02T00:00:00Z", false),
			}, "t1", 3)
		case "t1":
			return 200, listRecordsXML(nil, "t2", 3)
		case "t2":
			return 200, listRecordsXML([]string{recordXML("C", "2020-01-03T00:00:00Z", false)}, "", 3)
		}
		return 500, ""
	}}
	c := newTestClient(t, p)
	from := time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC)

	w := c.ListRecords(ListOptions{MetadataPrefix: "igsn", From: &from, Set: "S"})
	var ids []string
	for w.Next(context.Background()) {
		rec, err := w.Record()
		require.NoError(t, err)
		ids = append(ids, rec.ExternalID)
	}
	require.NoError(t, w.Err())

	assert.Equal(t, []string{"A", "B", "C"}, ids)
	assert.Equal(t, 3, w.Pages())
	assert.Equal(t, int32(3), p.requests.Load())
	assert.Equal(t, 3, w.CompleteListSize())

	mark, ok := w.Watermark()
	assert.True(t, ok)
	assert.Equal(t, time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC), mark)

	first := p.queries[0]
	assert.Equal(t, "ListRecords", first.Get("verb"))
	assert.Equal(t, "igsn", first.Get("metadataPrefix"))
	assert.Equal(t, "2019-12-31T00:00:00Z", first.Get("from"))
	assert.Equal(t, "S", first.Get("set"))

	resumed := p.queries[1]
	assert.Equal(t, url.Values{"verb": {"ListRecords"}, "resumptionToken": {"t1"}}, resumed)
}

func TestWalkerIsLazy(t *testing.T) {
	p := &provider{handle: func(q url.Values, _ int) (int, string) {
		if q.Get("resumptionToken") == "" {
			return 200, listRecordsXML([]string{recordXML("A", "2020-01-01T00:00:00Z", false)}, "t1", -1)
		}
		return 200, listRecordsXML([]string{recordXML("B", "2020-01-02T00:00:00Z", false)}, "", -1)
	}}
	c := newTestClient(t, p)

	w := c.ListRecords(ListOptions{})
	assert.Equal(t, int32(0), p.requests.Load())

	require.True(t, w.Next(context.Background()))
	assert.Equal(t, int32(1), p.requests.Load())
}

func TestWalkerRetriesTransientFailures(t *testing.T) {
	p := &provider{handle: func(_ url.Values, n int) (int, string) {
		if n <= 2 {
			return http.StatusServiceUnavailable, "busy"
		}
		return 200, listRecordsXML([]string{recordXML("A", "2020-01-01T00:00:00Z", false)}, "", -1)
	}}
	c := newTestClient(t, p)

	w := c.ListRecords(ListOptions{})
	count := 0
	for w.Next(context.Background()) {
		count++
	}
	require.NoError(t, w.Err())
	assert.Equal(t, 1, count)
	assert.Equal(t, int32(3), p.requests.Load())
	assert.Equal(t, 1, w.Pages())
}

func TestWalkerGivesUpAfterMaxRetries(t *testing.T) {
	p := &provider{handle: func(url.Values, int) (int, string) {
		return http.StatusTooManyRequests, ""
	}}
	c := newTestClient(t, p)

	w := c.ListRecords(ListOptions{})
	assert.False(t, w.Next(context.Background()))
	assert.True(t, errors.Is(w.Err(), fault.ErrTransport))
	assert.Equal(t, int32(4), p.requests.Load())
}

func TestWalkerDoesNotRetryProtocolFaults(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"not found", http.StatusNotFound, "nope"},
		{"malformed xml", 200, "<OAI-PMH><ListRecords>"},
		{"bad argument", 200, envelopeXML(`<error code="badArgument">bad</error>`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &provider{handle: func(url.Values, int) (int, string) { return tt.status, tt.body }}
			c := newTestClient(t, p)

			w := c.ListRecords(ListOptions{})
			assert.False(t, w.Next(context.Background()))
			assert.True(t, errors.Is(w.Err(), fault.ErrProtocol), "got %v", w.Err())
			assert.Equal(t, int32(1), p.requests.Load())
		})
	}
}

func TestWalkerNoRecordsMatchEndsCleanly(t *testing.T) {
	p := &provider{handle: func(url.Values, int) (int, string) {
		return 200, envelopeXML(`<error code="noRecordsMatch">nothing</error>`)
	}}
	c := newTestClient(t, p)

	w := c.ListRecords(ListOptions{})
	assert.False(t, w.Next(context.Background()))
	assert.NoError(t, w.Err())
	_, ok := w.Watermark()
	assert.False(t, ok)
}

func TestWalkerRepeatedTokenIsProtocolFault(t *testing.T) {
	p := &provider{handle: func(url.Values, int) (int, string) {
		return 200, listRecordsXML([]string{recordXML("A", "2020-01-01T00:00:00Z", false)}, "same", -1)
	}}
	c := newTestClient(t, p)

	w := c.ListRecords(ListOptions{})
	n := 0
	for w.Next(context.Background()) {
		n++
	}
	assert.Equal(t, 1, n)
	assert.True(t, errors.Is(w.Err(), fault.ErrProtocol))
	assert.Equal(t, int32(2), p.requests.Load())
}

func TestWalkerIgnoreDeletedStillAdvancesWatermark(t *testing.T) {
	p := &provider{handle: func(url.Values, int) (int, string) {
		return 200, listRecordsXML([]string{
			recordXML("A", "2020-01-01T00:00:00Z", false),
			recordXML("B", "2020-01-05T00:00:00Z", true),
		}, "", -1)
	}}
	c := newTestClient(t, p)

	w := c.ListRecords(ListOptions{IgnoreDeleted: true})
	var ids []string
	for w.Next(context.Background()) {
		rec, err := w.Record()
		require.NoError(t, err)
		ids = append(ids, rec.ExternalID)
	}
	require.NoError(t, w.Err())

	assert.Equal(t, []string{"A"}, ids)
	assert.Equal(t, 1, w.Ignored())
	mark, _ := w.Watermark()
	assert.Equal(t, time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC), mark)
}

func TestWalkerYieldsDeletedWhenKept(t *testing.T) {
	p := &provider{handle: func(url.Values, int) (int, string) {
		return 200, listRecordsXML([]string{recordXML("B", "2020-01-05T00:00:00Z", true)}, "", -1)
	}}
	c := newTestClient(t, p)

	w := c.ListRecords(ListOptions{})
	require.True(t, w.Next(context.Background()))
	rec, err := w.Record()
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	assert.False(t, w.Next(context.Background()))
}

func TestWalkerSkipsBadRecord(t *testing.T) {
	p := &provider{handle: func(url.Values, int) (int, string) {
		return 200, listRecordsXML([]string{
			recordXML("A", "garbage", false),
			recordXML("B", "2020-01-02T00:00:00Z", false),
		}, "", -1)
	}}
	c := newTestClient(t, p)

	w := c.ListRecords(ListOptions{})
	require.True(t, w.Next(context.Background()))
	_, err := w.Record()
	assert.True(t, errors.Is(err, fault.ErrRange))

	require.True(t, w.Next(context.Background()))
	rec, err := w.Record()
	require.NoError(t, err)
	assert.Equal(t, "B", rec.ExternalID)
	assert.False(t, w.Next(context.Background()))
	assert.NoError(t, w.Err())
}

func TestWalkerTimeOnlyDatestampKeepsWatermark(t *testing.T) {
	p := &provider{handle: func(url.Values, int) (int, string) {
		return 200, listRecordsXML([]string{
			recordXML("A", "2019-10-15T04:00:00Z", false),
			recordXML("B", "23:59", false),
		}, "", -1)
	}}
	c := newTestClient(t, p)

	w := c.ListRecords(ListOptions{})
	require.True(t, w.Next(context.Background()))
	require.True(t, w.Next(context.Background()))
	_, err := w.Record()
	assert.True(t, errors.Is(err, fault.ErrRange), "got %v", err)
	assert.False(t, w.Next(context.Background()))
	require.NoError(t, w.Err())

	mark, ok := w.Watermark()
	require.True(t, ok)
	assert.Equal(t, time.Date(2019, 10, 15, 4, 0, 0, 0, time.UTC), mark)
}

func TestWalkerWatermarkClampedToUntil(t *testing.T) {
	p := &provider{handle: func(url.Values, int) (int, string) {
		return 200, listRecordsXML([]string{
			recordXML("A", "2020-06-01T00:00:00Z", false),
			recordXML("B", "2099-01-01T00:00:00Z", false),
		}, "", -1)
	}}
	c := newTestClient(t, p)
	until := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	w := c.ListRecords(ListOptions{Until: &until})
	var ids []string
	for w.Next(context.Background()) {
		rec, err := w.Record()
		require.NoError(t, err)
		ids = append(ids, rec.ExternalID)
	}
	require.NoError(t, w.Err())

	assert.Equal(t, []string{"A", "B"}, ids)
	mark, _ := w.Watermark()
	assert.Equal(t, until, mark)
}

func TestWalkerBadResumptionTokenIsProtocolFault(t *testing.T) {
	p := &provider{handle: func(q url.Values, n int) (int, string) {
		if q.Get("resumptionToken") == "" {
			return 200, listRecordsXML([]string{recordXML("A", "2020-01-01T00:00:00Z", false)}, "t1", -1)
		}
		return 200, envelopeXML(`<error code="badResumptionToken">expired</error>`)
	}}
	c := newTestClient(t, p)

	w := c.ListRecords(ListOptions{})
	require.True(t, w.Next(context.Background()))
	assert.False(t, w.Next(context.Background()))
	err := w.Err()
	assert.True(t, errors.Is(err, fault.ErrProtocol), "got %v", err)
	assert.Contains(t, err.Error(), `"t1"`)

	var oe *Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, CodeBadResumptionToken, oe.Code)
	assert.Equal(t, int32(2), p.requests.Load())
}

func TestWalkerStopsOnCancel(t *testing.T) {
	p := &provider{handle: func(q url.Values, n int) (int, string) {
		return 200, listRecordsXML([]string{recordXML(fmt.Sprint("R", n), "2020-01-01T00:00:00Z", false)}, fmt.Sprint("t", n), -1)
	}}
	c := newTestClient(t, p)
	ctx, cancel := context.WithCancel(context.Background())

	w := c.ListRecords(ListOptions{})
	require.True(t, w.Next(ctx))
	cancel()
	assert.False(t, w.Next(ctx))
	assert.True(t, errors.Is(w.Err(), context.Canceled))
}

func TestWalkerDayGranularity(t *testing.T) {
	p := &provider{handle: func(url.Values, int) (int, string) {
		return 200, envelopeXML(`<error code="noRecordsMatch"/>`)
	}}
	c := newTestClient(t, p)
	from := time.Date(2020, 3, 4, 15, 0, 0, 0, time.UTC)
	until := time.Date(2020, 3, 9, 1, 0, 0, 0, time.UTC)

	w := c.ListRecords(ListOptions{From: &from, Until: &until, DayGranularity: true})
	assert.False(t, w.Next(context.Background()))
	assert.Equal(t, "2020-03-04", p.queries[0].Get("from"))
	assert.Equal(t, "2020-03-09", p.queries[0].Get("until"))
}

func TestClientDecodesLatin1(t *testing.T) {
	body := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<OAI-PMH xmlns=\"http://www.openarchives.org/OAI/2.0/\"><Identify><repositoryName>Z\xfcrich</repositoryName><baseURL>http://x</baseURL><protocolVersion>2.0</protocolVersion><adminEmail>a@x</adminEmail><earliestDatestamp>2000-01-01T00:00:00Z</earliestDatestamp><deletedRecord>persistent</deletedRecord><granularity>YYYY-MM-DDThh:mm:ssZ</granularity></Identify></OAI-PMH>"
	p := &provider{handle: func(url.Values, int) (int, string) { return 200, body }}
	c := newTestClient(t, p)

	id, err := c.Identify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Zürich", id.RepositoryName)
	assert.Equal(t, []string{"a@x"}, id.AdminEmails)
	require.NotNil(t, id.EarliestDatestamp)
	assert.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), *id.EarliestDatestamp)
}
