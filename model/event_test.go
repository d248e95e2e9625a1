// SPDX-License-Identifier: MIT

package model

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestEventSignVerify(t *testing.T) {
	t.Parallel()

	var ev Event
	ev.Kind = nostr.KindTextNote
	ev.Content = "bogus"

	pk := nostr.GeneratePrivateKey()
	require.NotEmpty(t, pk)

	require.NoError(t, ev.Sign(pk))
	require.NotEmpty(t, ev.ID)
	require.NotEmpty(t, ev.PubKey)
	require.NotEmpty(t, ev.Sig)
	require.NotZero(t, ev.CreatedAt)

	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("InvalidKey", func(t *testing.T) {
		var bad Event
		bad.Kind = nostr.KindTextNote
		require.Error(t, bad.Sign("not hex at all"))
	})
	t.Run("CreatedAtPreserved", func(t *testing.T) {
		var stamped Event
		stamped.Kind = nostr.KindTextNote
		stamped.CreatedAt = 42
		require.NoError(t, stamped.Sign(pk))
		require.EqualValues(t, 42, stamped.CreatedAt)
	})
}

func TestEventTagHelpers(t *testing.T) {
	t.Parallel()

	ev := Event{Event: nostr.Event{
		Kind: nostr.KindTextNote,
		Tags: Tags{
			{"e", "someid", "wss://relay.example.com"},
			{"p", "somepubkey"},
		},
	}}

	require.Equal(t, Tag{"e", "someid", "wss://relay.example.com"}, ev.GetTag("e"))
	require.Nil(t, ev.GetTag("a"))
	require.Equal(t, "somepubkey", ev.TagValue("p"))
	require.Empty(t, ev.TagValue("a"))
}

func TestEventIsReplaceable(t *testing.T) {
	t.Parallel()

	for kind, expected := range map[int]bool{
		nostr.KindProfileMetadata: true,
		nostr.KindFollowList:      true,
		nostr.KindTextNote:        false,
		nostr.KindReaction:        false,
		10_002:                    true,
		30_023:                    true,
	} {
		ev := Event{Event: nostr.Event{Kind: kind}}
		require.Equal(t, expected, ev.IsReplaceable(), "kind %d", kind)
	}
}
