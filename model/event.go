// SPDX-License-Identifier: MIT

package model

import (
	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
)

type (
	Event struct {
		nostr.Event
	}
)

// Sign stamps PubKey, ID and Sig using the given hex-encoded secp256k1
// private key. CreatedAt is set to the current time when the caller left it
// zero. Content once signed must not be mutated, the id is derived from it.
func (e *Event) Sign(privateKey string) error {
	if e.Tags == nil {
		e.Tags = make(Tags, 0)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = nostr.Now()
	}

	return errors.Wrap(e.Event.Sign(privateKey), "failed to sign event")
}

func (e *Event) IsReplaceable() bool {
	return IsReplaceableKind(e.Kind)
}

func (e *Event) GetTag(tagName string) Tag {
	for _, tag := range e.Tags {
		if tag.Key() == tagName {
			return tag
		}
	}

	return nil
}

// TagValue returns the first value of the first tag with the given name,
// or the empty string.
func (e *Event) TagValue(tagName string) string {
	if tag := e.GetTag(tagName); tag != nil {
		return tag.Value()
	}

	return ""
}
