// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"github.com/openvine/divine-nostr/cfg"
	"github.com/openvine/divine-nostr/client"
	"github.com/openvine/divine-nostr/model"
)

func newPublishCmd() *cobra.Command {
	var kind int
	var content string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "sign and publish a single event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := mustNewClient(cmd.Context())
			defer c.Dispose(cmd.Context())

			event := &model.Event{Event: nostr.Event{Kind: kind, Content: content}}
			if err := c.SignEvent(event); err != nil {
				return errors.Wrap(err, "failed to sign event")
			}
			published, err := c.PublishEvent(cmd.Context(), event)
			if err != nil {
				return errors.Wrap(err, "failed to publish event")
			}
			fmt.Println(published.ID)

			return nil
		},
	}
	cmd.Flags().IntVar(&kind, "kind", 1, "event kind")
	cmd.Flags().StringVar(&content, "content", "", "event content")
	cmd.MarkFlagRequired("content")

	return cmd
}

func newQueryCmd() *cobra.Command {
	var filterJSON string
	var limit int
	cmd := &cobra.Command{
		Use:   "query",
		Short: "query events matching a filter and print them as json lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := mustNewClient(cmd.Context())
			defer c.Dispose(cmd.Context())

			filter, err := parseFilter(filterJSON, limit)
			if err != nil {
				return err
			}
			events, err := c.QueryEvents(cmd.Context(), model.Filters{filter})
			if err != nil {
				return errors.Wrap(err, "failed to query events")
			}
			for _, event := range events {
				raw, mErr := json.Marshal(event)
				if mErr != nil {
					return errors.Wrapf(mErr, "failed to serialize event %v", event.ID)
				}
				fmt.Println(string(raw))
			}

			return nil
		},
	}
	cmd.Flags().StringVar(&filterJSON, "filter", "{}", "nostr filter as json")
	cmd.Flags().IntVar(&limit, "limit", 0, "max events to fetch, 0 keeps the filter's own limit")

	return cmd
}

func newCountCmd() *cobra.Command {
	var filterJSON string
	var timeout stdlibtime.Duration
	cmd := &cobra.Command{
		Use:   "count",
		Short: "count events matching a filter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := mustNewClient(cmd.Context())
			defer c.Dispose(cmd.Context())

			filter, err := parseFilter(filterJSON, 0)
			if err != nil {
				return err
			}
			resp, err := c.CountEvents(cmd.Context(), model.Filters{filter}, timeout)
			if err != nil {
				return errors.Wrap(err, "failed to count events")
			}
			fmt.Printf("%v events (source %v, approximate %v)\n", resp.Count, resp.Source, resp.Approximate)

			return nil
		},
	}
	cmd.Flags().StringVar(&filterJSON, "filter", "{}", "nostr filter as json")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*stdlibtime.Second, "per-relay COUNT timeout")

	return cmd
}

func newWatchCmd() *cobra.Command {
	var filterJSON string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "subscribe to a filter and print live events until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := mustNewClient(cmd.Context())
			defer c.Dispose(cmd.Context())

			filter, err := parseFilter(filterJSON, 0)
			if err != nil {
				return err
			}
			stream, id, err := c.Subscribe(cmd.Context(), model.Filters{filter}, "")
			if err != nil {
				return errors.Wrap(err, "failed to subscribe")
			}
			cfg.OnChange(func(_ fsnotify.Event) {
				addNewlyConfiguredRelays(cmd.Context(), c)
			})
			log.Printf("watching with subscription %v, ctrl-c to stop", id)
			for event := range stream {
				raw, mErr := json.Marshal(event)
				if mErr != nil {
					log.Printf("warn: failed to serialize event %v: %v", event.ID, mErr)
					continue
				}
				fmt.Println(string(raw))
			}

			return nil
		},
	}
	cmd.Flags().StringVar(&filterJSON, "filter", "{}", "nostr filter as json")

	return cmd
}

func newRelaysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relays",
		Short: "print the connection status of every configured relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := mustNewClient(cmd.Context())
			defer c.Dispose(cmd.Context())

			for url, status := range c.CurrentStatuses() {
				fmt.Printf("%v\t%v\n", url, status)
			}

			return nil
		},
	}
}

// addNewlyConfiguredRelays dials relays added to the config file while the
// watch is running. Removals require a restart, tearing live subscriptions
// out from under the stream is not worth the complexity here.
func addNewlyConfiguredRelays(ctx context.Context, c *client.Client) {
	configured := make(map[string]struct{})
	for _, url := range c.ConfiguredRelays() {
		configured[url] = struct{}{}
	}
	for _, url := range cfg.MustGet[config]().Relays {
		if _, found := configured[url]; found {
			continue
		}
		log.Printf("adding relay %v from updated configuration", url)
		if err := c.AddRelay(ctx, url); err != nil {
			log.Printf("warn: failed to add relay %v: %v", url, err)
		}
	}
}

func parseFilter(filterJSON string, limit int) (model.Filter, error) {
	var filter model.Filter
	if err := json.Unmarshal([]byte(filterJSON), &filter); err != nil {
		return filter, errors.Wrapf(err, "invalid filter %v", filterJSON)
	}
	if limit > 0 {
		filter.Limit = limit
	}

	return filter, nil
}
