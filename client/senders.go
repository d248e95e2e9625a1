// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"encoding/json"
	"log"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"

	"github.com/openvine/divine-nostr/model"
)

const (
	kindProfileMetadata = 0
	kindContactList     = 3
	kindDeletion        = 5
	kindRepost          = 6
	kindReaction        = 7
)

// SendLike publishes a "+" reaction to the given event.
func (c *Client) SendLike(ctx context.Context, eventID, eventAuthor string) (*model.Event, error) {
	return c.signAndPublish(ctx, &model.Event{Event: nostrEvent(kindReaction, "+", model.Tags{
		model.Tag{"e", eventID},
		model.Tag{"p", eventAuthor},
	})})
}

// SendRepost publishes a repost of the given event. The content carries the
// original event serialized as JSON so clients can render it without a
// second fetch, an empty original produces an empty content.
func (c *Client) SendRepost(ctx context.Context, original *model.Event) (*model.Event, error) {
	content := ""
	if original != nil {
		raw, err := json.Marshal(original)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to serialize reposted event %v", original.ID)
		}
		content = string(raw)
	}
	tags := model.Tags{}
	if original != nil {
		tags = model.Tags{
			model.Tag{"e", original.ID},
			model.Tag{"p", original.PubKey},
		}
	}

	return c.signAndPublish(ctx, &model.Event{Event: nostrEvent(kindRepost, content, tags)})
}

// DeleteEvents publishes a deletion request for the given event ids and
// evicts them from the local cache. The relays decide whether to honor the
// request, the local eviction is unconditional once the request is accepted.
func (c *Client) DeleteEvents(ctx context.Context, eventIDs []string, reason string) (*model.Event, error) {
	if len(eventIDs) == 0 {
		return nil, errors.New("no event ids to delete")
	}
	tags := make(model.Tags, 0, len(eventIDs))
	for _, id := range eventIDs {
		tags = append(tags, model.Tag{"e", id})
	}

	event, err := c.signAndPublish(ctx, &model.Event{Event: nostrEvent(kindDeletion, reason, tags)})
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if cacheErr := c.cache.DeleteEventsByIDs(ctx, eventIDs); cacheErr != nil {
			log.Printf("failed to evict %d deleted events from cache: %v", len(eventIDs), cacheErr)
		}
	}

	return event, nil
}

// SendContactList publishes the full follow list. Contact lists are
// replaceable, relays keep only the newest one per author.
func (c *Client) SendContactList(ctx context.Context, followedPubkeys []string) (*model.Event, error) {
	tags := make(model.Tags, 0, len(followedPubkeys))
	for _, pubkey := range followedPubkeys {
		tags = append(tags, model.Tag{"p", pubkey})
	}

	return c.signAndPublish(ctx, &model.Event{Event: nostrEvent(kindContactList, "", tags)})
}

// UpdateProfile publishes the profile metadata fields as a kind 0 event and
// refreshes the cached copy so FetchProfile returns the new version
// immediately.
func (c *Client) UpdateProfile(ctx context.Context, metadata map[string]any) (*model.Event, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize profile metadata")
	}

	event, err := c.signAndPublish(ctx, &model.Event{Event: nostrEvent(kindProfileMetadata, string(raw), model.Tags{})})
	if err != nil {
		return nil, err
	}
	if c.cache != nil && event != nil {
		if cacheErr := c.cache.UpsertEvent(ctx, event); cacheErr != nil {
			log.Printf("failed to cache updated profile %v: %v", event.ID, cacheErr)
		}
	}

	return event, nil
}

func nostrEvent(kind int, content string, tags model.Tags) nostr.Event {
	return nostr.Event{Kind: kind, Content: content, Tags: tags}
}

func (c *Client) signAndPublish(ctx context.Context, event *model.Event) (*model.Event, error) {
	if err := c.protocol.SignEvent(event); err != nil {
		return nil, errors.Wrap(err, "failed to sign event")
	}

	return c.PublishEvent(ctx, event)
}
