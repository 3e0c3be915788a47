package oai

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/fault"
	"golang.org/x/sync/errgroup"
)

// DefaultCountConcurrency bounds the parallel requests of SetCounts.
const DefaultCountConcurrency = 10

// Identity is the decoded Identify response.
type Identity struct {
	RepositoryName    string
	BaseURL           string
	ProtocolVersion   string
	AdminEmails       []string
	EarliestDatestamp *time.Time
	DeletedRecord     string
	Granularity       string
}

// Identify describes the repository.
func (c *Client) Identify(ctx context.Context) (*Identity, error) {
	var env envelope
	if err := c.call(ctx, url.Values{"verb": {"Identify"}}, &env); err != nil {
		return nil, err
	}
	if oe := env.firstError(); oe != nil {
		return nil, providerError("Identify", oe)
	}
	if env.Identify == nil {
		return nil, fault.Protocolf("Identify", "response has no Identify element")
	}

	body := env.Identify
	earliest, err := parseDatestamp(body.EarliestDatestamp)
	if err != nil {
		return nil, fault.Protocol("Identify earliestDatestamp", err)
	}
	return &Identity{
		RepositoryName:    strings.TrimSpace(body.RepositoryName),
		BaseURL:           strings.TrimSpace(body.BaseURL),
		ProtocolVersion:   strings.TrimSpace(body.ProtocolVersion),
		AdminEmails:       trimAll(body.AdminEmails),
		EarliestDatestamp: earliest,
		DeletedRecord:     strings.TrimSpace(body.DeletedRecord),
		Granularity:       strings.TrimSpace(body.Granularity),
	}, nil
}

// Set is a provider set.
type Set struct {
	Spec string `json:"set_spec"`
	Name string `json:"set_name"`
}

// ListSets returns every set, following resumption tokens.
func (c *Client) ListSets(ctx context.Context) ([]Set, error) {
	var sets []Set
	params := url.Values{"verb": {"ListSets"}}
	seen := make(map[string]struct{})
	for {
		var env envelope
		if err := c.call(ctx, params, &env); err != nil {
			return nil, err
		}
		if oe := env.firstError(); oe != nil {
			if oe.Code == CodeNoSetHierarchy || oe.Code == CodeNoRecordsMatch {
				return sets, nil
			}
			return nil, providerError("ListSets", oe)
		}
		if env.ListSets == nil {
			return nil, fault.Protocolf("ListSets", "response has no ListSets element")
		}
		for _, s := range env.ListSets.Sets {
			sets = append(sets, Set{Spec: strings.TrimSpace(s.Spec), Name: strings.TrimSpace(s.Name)})
		}

		next := env.ListSets.Token.next()
		if next == "" {
			return sets, nil
		}
		if _, repeated := seen[next]; repeated {
			return nil, fault.Protocolf("ListSets", "resumption token %q repeated", next)
		}
		seen[next] = struct{}{}
		params = url.Values{"verb": {"ListSets"}, "resumptionToken": {next}}
	}
}

// RecordCount returns the number of records matching opts as reported by
// the first ListRecords page. Providers that omit completeListSize on a
// single-page answer are counted by hand.
func (c *Client) RecordCount(ctx context.Context, opts ListOptions) (int, error) {
	params, err := opts.params("ListRecords")
	if err != nil {
		return 0, err
	}
	var env envelope
	if err := c.call(ctx, params, &env); err != nil {
		return 0, err
	}
	if oe := env.firstError(); oe != nil {
		if oe.Code == CodeNoRecordsMatch {
			return 0, nil
		}
		return 0, providerError("ListRecords", oe)
	}
	if env.ListRecords == nil {
		return 0, fault.Protocolf("ListRecords", "response has no ListRecords element")
	}
	if n := env.ListRecords.Token.size(); n >= 0 {
		return n, nil
	}
	if env.ListRecords.Token.next() == "" {
		return len(env.ListRecords.Records), nil
	}
	return -1, nil
}

// SetCount is the record count of one set. Count is -1 when the provider
// did not report a size.
type SetCount struct {
	Set
	Count int `json:"count"`
}

// SetCounts counts the records of each set concurrently.
func (c *Client) SetCounts(ctx context.Context, sets []Set, opts ListOptions) ([]SetCount, error) {
	out := make([]SetCount, len(sets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultCountConcurrency)
	for i, s := range sets {
		g.Go(func() error {
			o := opts
			o.Set = s.Spec
			n, err := c.RecordCount(gctx, o)
			if err != nil {
				return err
			}
			out[i] = SetCount{Set: s, Count: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
