package oai

import (
	"context"
	"net/url"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/fault"
	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/timeconv"
)

// ListOptions selects the records of a ListRecords request.
type ListOptions struct {
	MetadataPrefix string
	Set            string
	From           *time.Time
	Until          *time.Time
	// DayGranularity sends from/until as YYYY-MM-DD.
	DayGranularity bool
	// IgnoreDeleted drops deleted records from the sequence. They still
	// advance the watermark.
	IgnoreDeleted bool
}

func (o ListOptions) params(verb string) (url.Values, error) {
	prefix := o.MetadataPrefix
	if prefix == "" {
		prefix = DefaultMetadataPrefix
	}
	v := url.Values{"verb": {verb}, "metadataPrefix": {prefix}}
	if o.Set != "" {
		v.Set("set", o.Set)
	}
	if o.From != nil {
		s, err := timeconv.FormatGranular(*o.From, o.DayGranularity)
		if err != nil {
			return nil, err
		}
		v.Set("from", s)
	}
	if o.Until != nil {
		s, err := timeconv.FormatGranular(*o.Until, o.DayGranularity)
		if err != nil {
			return nil, err
		}
		v.Set("until", s)
	}
	return v, nil
}

// Walker lazily iterates the records of a ListRecords request, fetching
// the next page only when the current one is exhausted.
//
//	w := client.ListRecords(opts)
//	for w.Next(ctx) {
//		rec, err := w.Record()
//		...
//	}
//	if err := w.Err(); err != nil { ... }
type Walker struct {
	client *Client
	opts   ListOptions

	started bool
	done    bool
	token   string
	seen    map[string]struct{}

	page []rawRecord
	pos  int

	cur    *models.Record
	curErr error
	err    error

	watermark        time.Time
	hasWatermark     bool
	ignored          int
	pages            int
	completeListSize int
}

// ListRecords returns a walker over the records matching opts. No request is
// made until the first call to Next.
func (c *Client) ListRecords(opts ListOptions) *Walker {
	return &Walker{
		client:           c,
		opts:             opts,
		seen:             make(map[string]struct{}),
		completeListSize: -1,
	}
}

// Next advances to the next record. It returns false once the list is
// exhausted or a fatal error occurred; check Err afterwards.
func (w *Walker) Next(ctx context.Context) bool {
	w.cur, w.curErr = nil, nil
	for {
		if w.err != nil {
			return false
		}
		if err := ctx.Err(); err != nil {
			w.err = err
			return false
		}

		for w.pos < len(w.page) {
			raw := &w.page[w.pos]
			w.pos++
			rec, err := buildRecord(raw)
			if err != nil {
				w.curErr = err
				return true
			}
			if rec.Deleted && w.opts.IgnoreDeleted {
				w.observe(rec.ProviderTime)
				w.ignored++
				continue
			}
			w.observe(rec.ProviderTime)
			w.cur = rec
			return true
		}

		if w.done {
			return false
		}
		if err := w.fetchPage(ctx); err != nil {
			w.err = err
			return false
		}
	}
}

// Record returns the current record. A non-nil error means the record could
// not be normalized and should be skipped; the walk continues.
func (w *Walker) Record() (*models.Record, error) {
	return w.cur, w.curErr
}

// Err returns the error that stopped the walk, if any.
func (w *Walker) Err() error { return w.err }

// Watermark returns the latest provider time seen so far, including ignored
// deleted records.
func (w *Walker) Watermark() (time.Time, bool) { return w.watermark, w.hasWatermark }

// Ignored returns the number of deleted records filtered out.
func (w *Walker) Ignored() int { return w.ignored }

// Pages returns the number of pages fetched.
func (w *Walker) Pages() int { return w.pages }

// CompleteListSize returns the provider-reported list size, or -1.
func (w *Walker) CompleteListSize() int { return w.completeListSize }

// observe moves the watermark forward. Datestamps past the requested until
// are clamped to it.
func (w *Walker) observe(t time.Time) {
	if w.opts.Until != nil && t.After(*w.opts.Until) {
		t = *w.opts.Until
	}
	if !w.hasWatermark || t.After(w.watermark) {
		w.watermark = t
		w.hasWatermark = true
	}
}

func (w *Walker) fetchPage(ctx context.Context) error {
	var params url.Values
	if w.started {
		// a resumption request carries only the verb and the token
		params = url.Values{"verb": {"ListRecords"}, "resumptionToken": {w.token}}
	} else {
		p, err := w.opts.params("ListRecords")
		if err != nil {
			return err
		}
		params = p
		w.started = true
	}

	var env envelope
	if err := w.client.call(ctx, params, &env); err != nil {
		return err
	}
	w.pages++
	w.page, w.pos = nil, 0

	// Provider-level errors
	if oe := env.firstError(); oe != nil {
		switch oe.Code {
		case CodeNoRecordsMatch:
			w.done = true
			return nil
		case CodeBadResumptionToken:
			return fault.Protocolf("ListRecords", "resumption token %q rejected after %d pages: %w", w.token, w.pages-1, oe)
		}
		return providerError("ListRecords", oe)
	}
	if env.ListRecords == nil {
		return fault.Protocolf("ListRecords", "response has no ListRecords element")
	}

	// Page contents
	body := env.ListRecords
	w.page = body.Records
	if n := body.Token.size(); n >= 0 {
		w.completeListSize = n
	}

	// Resumption
	next := body.Token.next()
	if next == "" {
		w.done = true
		return nil
	}
	if _, repeated := w.seen[next]; repeated {
		return fault.Protocolf("ListRecords", "resumption token %q repeated", next)
	}
	w.seen[next] = struct{}{}
	w.token = next

	w.client.logger.Debug("oai page", "records", len(body.Records), "page", w.pages, "complete_list_size", w.completeListSize)
	return nil
}
