package oai

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListSetsFollowsTokens(t *testing.T) {
	p := &provider{handle: func(q url.Values, _ int) (int, string) {
		if q.Get("resumptionToken") == "" {
			return 200, envelopeXML(`<ListSets><set><setSpec>IEDA</setSpec><setName>IEDA</setName></set>
<resumptionToken>more</resumptionToken></ListSets>`)
		}
		return 200, envelopeXML(`<ListSets><set><setSpec>IEDA.SESAR</setSpec><setName>SESAR</setName></set><resumptionToken/></ListSets>`)
	}}
	c := newTestClient(t, p)

	sets, err := c.ListSets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Set{{Spec: "IEDA", Name: "IEDA"}, {Spec: "IEDA.SESAR", Name: "SESAR"}}, sets)
	assert.Equal(t, "more", p.queries[1].Get("resumptionToken"))
}

func TestListSetsNoHierarchy(t *testing.T) {
	p := &provider{handle: func(url.Values, int) (int, string) {
		return 200, envelopeXML(`<error code="noSetHierarchy"/>`)
	}}
	c := newTestClient(t, p)

	sets, err := c.ListSets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sets)
}

func TestRecordCountAndSetCounts(t *testing.T) {
	p := &provider{handle: func(q url.Values, _ int) (int, string) {
		switch q.Get("set") {
		case "A":
			return 200, listRecordsXML([]string{recordXML("1", "2020-01-01T00:00:00Z", false)}, "tok", 1200)
		case "B":
			return 200, envelopeXML(`<error code="noRecordsMatch"/>`)
		default:
			return 200, listRecordsXML([]string{
				recordXML("1", "2020-01-01T00:00:00Z", false),
				recordXML("2", "2020-01-01T00:00:00Z", false),
			}, "", -1)
		}
	}}
	c := newTestClient(t, p)

	n, err := c.RecordCount(context.Background(), ListOptions{Set: "C"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := c.SetCounts(context.Background(), []Set{{Spec: "A"}, {Spec: "B"}, {Spec: "C"}}, ListOptions{})
	require.NoError(t, err)
	require.Len(t, counts, 3)
	assert.Equal(t, 1200, counts[0].Count)
	assert.Equal(t, 0, counts[1].Count)
	assert.Equal(t, 2, counts[2].Count)
	assert.Equal(t, "B", counts[1].Spec)
}
