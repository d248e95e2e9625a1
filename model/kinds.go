// SPDX-License-Identifier: MIT

package model

import (
	"github.com/nbd-wtf/go-nostr"
)

const (
	kindReplaceableRangeStart = 10_000
	kindReplaceableRangeEnd   = 20_000
	kindEphemeralRangeStart   = 20_000
	kindEphemeralRangeEnd     = 30_000
	kindAddressableRangeStart = 30_000
	kindAddressableRangeEnd   = 40_000
)

// IsReplaceableKind reports whether only the latest event per
// (pubkey, kind[, d-tag]) is considered current for the given kind.
// Covers both the plain replaceable and the addressable ranges.
func IsReplaceableKind(kind Kind) bool {
	switch kind {
	case nostr.KindProfileMetadata, nostr.KindFollowList:
		return true
	}

	return (kind >= kindReplaceableRangeStart && kind < kindReplaceableRangeEnd) ||
		(kind >= kindAddressableRangeStart && kind < kindAddressableRangeEnd)
}

// IsEphemeralKind reports whether events of the given kind are not expected
// to be stored by relays at all.
func IsEphemeralKind(kind Kind) bool {
	return kind >= kindEphemeralRangeStart && kind < kindEphemeralRangeEnd
}

// IsRegularKind reports whether events of the given kind are eligible for
// optimistic local caching: everything that is not replaceable, the
// ephemeral range included.
func IsRegularKind(kind Kind) bool {
	return !IsReplaceableKind(kind)
}
