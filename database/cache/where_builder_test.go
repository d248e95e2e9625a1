// SPDX-License-Identifier: MIT

package cache

import (
	"strings"
	"testing"

	combinations "github.com/mxschmitt/golang-combinations"
	"github.com/stretchr/testify/require"

	"github.com/openvine/divine-nostr/model"
)

func TestWhereBuilderEmptyFilter(t *testing.T) {
	t.Parallel()

	where, params, err := newWhereBuilder().Build(nil)
	require.NoError(t, err)
	require.Equal(t, whereBuilderDefaultWhere, where)
	require.Empty(t, params)

	where, params, err = newWhereBuilder().Build(&model.Filter{})
	require.NoError(t, err)
	require.Equal(t, whereBuilderDefaultWhere, where)
	require.Empty(t, params)
}

func TestWhereBuilderFieldCombinations(t *testing.T) {
	t.Parallel()

	since := model.Timestamp(1)
	until := model.Timestamp(2)
	fragments := map[string]struct {
		Apply  func(f *model.Filter)
		Expect string
	}{
		"ids":     {func(f *model.Filter) { f.IDs = []string{"id1", "id2"} }, "id IN ("},
		"kinds":   {func(f *model.Filter) { f.Kinds = []int{1} }, "kind = :kind"},
		"authors": {func(f *model.Filter) { f.Authors = []string{"a1"} }, "pubkey = :pubkey"},
		"range":   {func(f *model.Filter) { f.Since, f.Until = &since, &until }, "created_at >= :since AND created_at <= :until"},
		"tags":    {func(f *model.Filter) { f.Tags = model.TagMap{"e": {"x"}} }, "json_each(e.tags)"},
		"search":  {func(f *model.Filter) { f.Search = "needle" }, "instr(lower(content), lower(:search))"},
	}

	names := make([]string, 0, len(fragments))
	for name := range fragments {
		names = append(names, name)
	}

	for _, combo := range combinations.All(names) {
		var filter model.Filter
		for _, name := range combo {
			fragments[name].Apply(&filter)
		}

		where, params, err := newWhereBuilder().Build(&filter)
		require.NoError(t, err, "combo %v", combo)
		require.NotEmpty(t, params, "combo %v", combo)
		for _, name := range combo {
			require.Contains(t, where, fragments[name].Expect, "combo %v", combo)
		}
		require.NotContains(t, where, "AND AND", "combo %v", combo)
		require.False(t, strings.HasPrefix(where, " AND "), "combo %v", combo)
	}
}

func TestWhereBuilderDeduplicatesValues(t *testing.T) {
	t.Parallel()

	where, params, err := newWhereBuilder().Build(&model.Filter{IDs: []string{"same", "same"}})
	require.NoError(t, err)
	require.Equal(t, "id = :id", where)
	require.Equal(t, map[string]any{"id": "same"}, params)
}

func TestWhereBuilderInvalidRange(t *testing.T) {
	t.Parallel()

	since, until := model.Timestamp(10), model.Timestamp(2)
	_, _, err := newWhereBuilder().Build(&model.Filter{Since: &since, Until: &until})
	require.ErrorIs(t, err, ErrInvalidTimeRange)
}
