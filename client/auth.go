// SPDX-License-Identifier: MIT

package client

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/openvine/divine-nostr/model"
)

const kindHTTPAuth = 27235

// BuildHTTPAuthHeader produces the Authorization header value for an
// authenticated HTTP request: a signed kind 27235 event carrying the request
// url and method, serialized and base64-encoded with the "Nostr " scheme
// prefix. When a body is given its sha256 is attached as a payload tag.
// Servers reject events whose url or method do not match the actual request,
// so pass exactly what will be sent.
func (c *Client) BuildHTTPAuthHeader(url, method string, body []byte) (string, error) {
	if !c.protocol.HasKeys() {
		return "", model.ErrNoKeys
	}
	tags := model.Tags{
		model.Tag{"u", url},
		model.Tag{"method", strings.ToUpper(method)},
	}
	if len(body) > 0 {
		digest := sha256.Sum256(body)
		tags = append(tags, model.Tag{"payload", hex.EncodeToString(digest[:])})
	}

	event := &model.Event{Event: nostrEvent(kindHTTPAuth, "", tags)}
	if err := c.protocol.SignEvent(event); err != nil {
		return "", errors.Wrap(err, "failed to sign http auth event")
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize http auth event")
	}

	return "Nostr " + base64.StdEncoding.EncodeToString(raw), nil
}
