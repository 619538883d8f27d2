package main

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/Shugur-Network/relayfetch/internal/application"
	"github.com/Shugur-Network/relayfetch/internal/fetcher"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

// fetchFlags are shared by the fetch commands.
type fetchFlags struct {
	relays           []string
	filters          []string
	since, until     int64
	limit            int
	skipVerification bool
	reduce           bool
	seenOn           bool
	everySighting    bool
	sort             bool
	keyName          string
	keys             []string
}

func (ff *fetchFlags) bindCommon(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&ff.relays, "relay", "r", nil, "Relay URL, repeatable (default: relays.default)")
	cmd.Flags().BoolVar(&ff.skipVerification, "skip-verification", false, "Do not check event signatures")
}

func (ff *fetchFlags) bindFilters(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&ff.filters, "filter", "f", nil, "Filter as JSON, repeatable")
}

func (ff *fetchFlags) relayList() []string {
	if len(ff.relays) > 0 {
		return ff.relays
	}
	return cfg.Relays.Default
}

func (ff *fetchFlags) options(cmd *cobra.Command) *fetcher.Options {
	o := application.FetcherOptions(cfg.Fetcher)
	if cmd.Flags().Changed("skip-verification") {
		o.SkipVerification = ff.skipVerification
	}
	if cmd.Flags().Changed("reduce-verification") {
		o.ReduceVerification = ff.reduce
	}
	o.WithSeenOn = ff.seenOn
	o.ReportEverySighting = ff.everySighting
	o.Sort = ff.sort
	return &o
}

func parseFilters(raw []string) ([]nostr.Filter, error) {
	if len(raw) == 0 {
		return []nostr.Filter{{}}, nil
	}
	out := make([]nostr.Filter, 0, len(raw))
	for _, s := range raw {
		f, err := parseFilter(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func parseFilter(s string) (nostr.Filter, error) {
	var f nostr.Filter
	if strings.TrimSpace(s) == "" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return f, fmt.Errorf("filter %q: %w", s, err)
	}
	return f, nil
}

// parseKeys reads "key" or "key=relay1,relay2". A bare key is asked of
// the fallback relays.
func parseKeys(raw []string, fallback []string) (map[string][]string, error) {
	out := make(map[string][]string, len(raw))
	for _, entry := range raw {
		key, relays, found := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("key %q is empty", entry)
		}
		if !found {
			out[key] = append(out[key], fallback...)
			continue
		}
		for _, r := range strings.Split(relays, ",") {
			if r = strings.TrimSpace(r); r != "" {
				out[key] = append(out[key], r)
			}
		}
	}
	return out, nil
}

func timestamp(v int64) *nostr.Timestamp {
	if v <= 0 {
		return nil
	}
	ts := nostr.Timestamp(v)
	return &ts
}

// withNode builds a node, runs fn and closes the relay connections.
func withNode(ctx context.Context, fn func(node *application.Node) error) error {
	node, err := application.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer node.Shutdown()
	return fn(node)
}

func newFetchCmd() *cobra.Command {
	var ff fetchFlags
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch every event in a time range and print it as NDJSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseFilters(ff.filters)
			if err != nil {
				return err
			}
			rng := fetcher.TimeRange{Since: timestamp(ff.since), Until: timestamp(ff.until)}
			opts := ff.options(cmd)
			return withNode(cmd.Context(), func(node *application.Node) error {
				out := json.NewEncoder(cmd.OutOrStdout())
				if ff.sort {
					events, err := node.Engine().FetchAllEvents(cmd.Context(), ff.relayList(), filters, rng, opts)
					if err != nil {
						return err
					}
					for _, e := range events {
						if err := out.Encode(e); err != nil {
							return err
						}
					}
					return nil
				}
				recv, err := node.Fetcher().AllEventsIterator(cmd.Context(), ff.relayList(), filters, rng, opts)
				if err != nil {
					return err
				}
				return printAll(recv.All(context.Background()), out)
			})
		},
	}
	ff.bindCommon(cmd)
	ff.bindFilters(cmd)
	cmd.Flags().Int64Var(&ff.since, "since", 0, "Oldest created_at to include (unix seconds)")
	cmd.Flags().Int64Var(&ff.until, "until", 0, "Newest created_at to include (unix seconds)")
	cmd.Flags().BoolVar(&ff.seenOn, "seen-on", false, "Include the relays that reported each event")
	cmd.Flags().BoolVar(&ff.everySighting, "every-sighting", false, "Print an event once per relay that reports it")
	cmd.Flags().BoolVar(&ff.sort, "sort", false, "Collect everything first and print newest first")
	return cmd
}

func newLatestCmd() *cobra.Command {
	var ff fetchFlags
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Print the newest events matching the filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseFilters(ff.filters)
			if err != nil {
				return err
			}
			opts := ff.options(cmd)
			return withNode(cmd.Context(), func(node *application.Node) error {
				var events []*nostr.Event
				if ff.limit == 1 {
					evt, err := node.Engine().FetchLastEvent(cmd.Context(), ff.relayList(), filters, opts)
					if err != nil {
						return err
					}
					if evt != nil {
						events = append(events, evt)
					}
				} else {
					events, err = node.Fetcher().FetchLatestEvents(cmd.Context(), ff.relayList(), filters, ff.limit, opts)
					if err != nil {
						return err
					}
				}
				out := json.NewEncoder(cmd.OutOrStdout())
				for _, e := range events {
					if err := out.Encode(e); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	ff.bindCommon(cmd)
	ff.bindFilters(cmd)
	cmd.Flags().IntVarP(&ff.limit, "limit", "l", 10, "How many events to return")
	cmd.Flags().BoolVar(&ff.reduce, "reduce-verification", false, "Verify signatures only on the final result")
	return cmd
}

func newPerKeyCmd() *cobra.Command {
	var (
		ff     fetchFlags
		filter string
	)
	cmd := &cobra.Command{
		Use:   "per-key",
		Short: "Print the newest events for each key, one NDJSON line per key",
		RunE: func(cmd *cobra.Command, args []string) error {
			other, err := parseFilter(filter)
			if err != nil {
				return err
			}
			keys, err := parseKeys(ff.keys, ff.relayList())
			if err != nil {
				return err
			}
			opts := ff.options(cmd)
			return withNode(cmd.Context(), func(node *application.Node) error {
				recv, err := node.Fetcher().FetchLatestEventsPerKey(cmd.Context(), ff.keyName, keys, other, ff.limit, opts)
				if err != nil {
					return err
				}
				return printAll(recv.All(context.Background()), json.NewEncoder(cmd.OutOrStdout()))
			})
		},
	}
	ff.bindCommon(cmd)
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "Filter as JSON applied to every key")
	cmd.Flags().StringVar(&ff.keyName, "key-name", "authors", "authors, kinds or #<letter>")
	cmd.Flags().StringArrayVarP(&ff.keys, "key", "k", nil, "key or key=relay1,relay2, repeatable")
	cmd.Flags().IntVarP(&ff.limit, "limit", "l", 1, "Events per key")
	cmd.Flags().BoolVar(&ff.reduce, "reduce-verification", false, "Verify signatures only on each key's result")
	return cmd
}

// printAll encodes items until the sequence ends. The producer closes the
// stream on cancel, so it is drained with a background context.
func printAll[T any](items iter.Seq2[T, error], out *json.Encoder) error {
	for item, err := range items {
		if err != nil {
			return err
		}
		if err := out.Encode(item); err != nil {
			return err
		}
	}
	return nil
}
