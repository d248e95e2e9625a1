// SPDX-License-Identifier: MIT

package cache

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/openvine/divine-nostr/model"
)

const (
	whereBuilderDefaultWhere = "1=1"

	tagValuesMax = 21
)

var ErrInvalidTimeRange = errors.New("invalid time range")

type whereBuilder struct {
	Params map[string]any
	strings.Builder
}

func newWhereBuilder() *whereBuilder {
	return &whereBuilder{
		Params: make(map[string]any),
	}
}

func (w *whereBuilder) addParam(name string, value any) (key string) {
	w.Params[name] = value

	return name
}

func deduplicateSlice[T comparable](s []T) []T {
	seen := make(map[T]struct{}, len(s))
	j := 0
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		s[j] = v
		j++
	}

	return s[:j]
}

func (w *whereBuilder) maybeAND() {
	if w.Len() == 0 {
		return
	}

	w.WriteString(" AND ")
}

func buildFromSlice[T comparable](w *whereBuilder, s []T, name, column string) {
	if len(s) == 0 {
		return
	}

	w.maybeAND()
	w.WriteString(column)
	s = deduplicateSlice(s)
	if len(s) == 1 {
		w.WriteString(" = :")
		w.WriteString(w.addParam(name, s[0]))

		return
	}

	w.WriteString(" IN (")
	for i := range s {
		if i > 0 {
			w.WriteRune(',')
		}
		w.WriteRune(':')
		w.WriteString(w.addParam(name+strconv.Itoa(i), s[i]))
	}
	w.WriteRune(')')
}

func (w *whereBuilder) applyTimeRange(since, until *model.Timestamp) error {
	if since != nil && until != nil && *since > *until {
		return errors.Wrapf(ErrInvalidTimeRange, "since [%d] is greater than until [%d]", *since, *until)
	}

	if since != nil && *since > 0 {
		w.maybeAND()
		w.WriteString("created_at >= :")
		w.WriteString(w.addParam("since", *since))
	}
	if until != nil && *until > 0 {
		w.maybeAND()
		w.WriteString("created_at <= :")
		w.WriteString(w.addParam("until", *until))
	}

	return nil
}

func (w *whereBuilder) applyTags(tags model.TagMap) {
	tagID := 0
	for tag, values := range tags {
		tagID++
		if len(values) > tagValuesMax {
			values = values[:tagValuesMax]
		}

		w.maybeAND()
		w.WriteString("EXISTS (select 42 from json_each(e.tags) jt where jt.value->>0 = :")
		w.WriteString(w.addParam("tag"+strconv.Itoa(tagID), tag))
		if len(values) > 0 {
			w.WriteString(" AND jt.value->>1 IN (")
			for i, value := range values {
				if i > 0 {
					w.WriteRune(',')
				}
				w.WriteRune(':')
				w.WriteString(w.addParam("tagvalue"+strconv.Itoa(tagID<<8|i), value))
			}
			w.WriteRune(')')
		}
		w.WriteRune(')')
	}
}

func (w *whereBuilder) applySearch(search string) {
	if search == "" {
		return
	}

	w.maybeAND()
	w.WriteString("instr(lower(content), lower(:")
	w.WriteString(w.addParam("search", search))
	w.WriteString(")) > 0")
}

// Build translates a single nostr filter into a WHERE clause over the events
// table. An empty filter matches everything.
func (w *whereBuilder) Build(filter *model.Filter) (sql string, params map[string]any, err error) {
	if filter != nil {
		buildFromSlice(w, filter.IDs, "id", "id")
		buildFromSlice(w, filter.Kinds, "kind", "kind")
		buildFromSlice(w, filter.Authors, "pubkey", "pubkey")
		if err = w.applyTimeRange(filter.Since, filter.Until); err != nil {
			return "", nil, errors.Wrap(err, "failed to apply time range")
		}
		w.applyTags(filter.Tags)
		w.applySearch(filter.Search)
	}

	if w.Len() == 0 {
		return whereBuilderDefaultWhere, w.Params, nil
	}

	return w.String(), w.Params, nil
}
