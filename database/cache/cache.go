// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"

	"github.com/openvine/divine-nostr/model"
)

const (
	selectDefaultLimit = 1000
)

var (
	ErrUnexpectedRowsAffected = errors.New("unexpected rows affected")
)

type databaseEvent struct {
	model.Event
	SystemCreatedAt int64
	Jtags           string
}

func eventToDatabaseEvent(event *model.Event) (*databaseEvent, error) {
	jtags, err := json.Marshal(event.Tags)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal tags")
	}

	return &databaseEvent{
		Event:           *event,
		SystemCreatedAt: time.Now().UnixNano(),
		Jtags:           string(jtags),
	}, nil
}

func (ev *databaseEvent) decode() (*model.Event, error) {
	if len(ev.Jtags) > 0 {
		if err := ev.Tags.Scan(ev.Jtags); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal tags")
		}
	}
	event := ev.Event

	return &event, nil
}

const upsertEventSQL = `insert or replace into events
	(kind, created_at, system_created_at, id, pubkey, sig, content, tags)
values
	(:kind, :created_at, :system_created_at, :id, :pubkey, :sig, :content, :jtags)`

// UpsertEvent writes the event into the cache, replacing any previous copy
// with the same id.
func (c *Cache) UpsertEvent(ctx context.Context, event *model.Event) error {
	dbEvent, err := eventToDatabaseEvent(event)
	if err != nil {
		return errors.Wrap(err, "failed to convert event")
	}

	rowsAffected, err := c.exec(ctx, upsertEventSQL, dbEvent)
	if err != nil {
		return errors.Wrap(err, "failed to exec upsert event sql")
	}
	if rowsAffected == 0 {
		return ErrUnexpectedRowsAffected
	}

	return nil
}

// UpsertEventsBatch writes all events in a single transaction.
func (c *Cache) UpsertEventsBatch(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := c.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback() //nolint:errcheck // Noop after commit.

	stmt, err := tx.PrepareNamedContext(ctx, upsertEventSQL)
	if err != nil {
		return errors.Wrap(err, "failed to prepare upsert stmt")
	}
	defer stmt.Close()

	for _, event := range events {
		dbEvent, err := eventToDatabaseEvent(event)
		if err != nil {
			return errors.Wrapf(err, "failed to convert event %v", event.ID)
		}
		if _, err = stmt.ExecContext(ctx, dbEvent); err != nil {
			return errors.Wrapf(err, "failed to upsert event %v", event.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit upsert batch")
}

// DeleteEventsByIDs removes exactly the given ids, nothing else. Missing ids
// are not an error.
func (c *Cache) DeleteEventsByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	w := newWhereBuilder()
	buildFromSlice(w, ids, "id", "id")
	_, err := c.exec(ctx, `delete from events where `+w.String(), w.Params)

	return errors.Wrap(err, "failed to exec delete events sql")
}

// GetEventsByFilter returns cached events matching the single filter, newest
// first. The filter's limit is honored, a default cap applies otherwise.
func (c *Cache) GetEventsByFilter(ctx context.Context, filter model.Filter) ([]*model.Event, error) {
	where, params, err := newWhereBuilder().Build(&filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate events where clause")
	}

	limit := selectDefaultLimit
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	params["mainlimit"] = limit

	sqlStr := `
select
	e.kind,
	e.created_at,
	e.system_created_at,
	e.id,
	e.pubkey,
	e.sig,
	e.content,
	e.tags as jtags
from
	events e
where ` + where + `
order by
	created_at desc
limit :mainlimit`

	stmt, err := c.prepare(ctx, sqlStr, hashSQL(sqlStr))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to prepare query sql: %q", sqlStr)
	}

	rows, err := stmt.QueryxContext(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query events sql: %q", sqlStr)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var dbEvent databaseEvent
		if err = rows.StructScan(&dbEvent); err != nil {
			return nil, errors.Wrap(err, "failed to struct scan")
		}
		event, err := dbEvent.decode()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode event %v", dbEvent.ID)
		}
		events = append(events, event)
	}

	return events, errors.Wrap(rows.Err(), "failed to iterate events")
}

// GetEventByID returns the cached event with the given id, or nil on a miss.
func (c *Cache) GetEventByID(ctx context.Context, id string) (*model.Event, error) {
	events, err := c.GetEventsByFilter(ctx, model.Filter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get event by id %v", id)
	}
	if len(events) == 0 {
		return nil, nil
	}

	return events[0], nil
}

// GetProfileByPubkey returns the newest cached profile metadata (kind 0)
// event of the given author, or nil on a miss.
func (c *Cache) GetProfileByPubkey(ctx context.Context, pubkey string) (*model.Event, error) {
	events, err := c.GetEventsByFilter(ctx, model.Filter{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get profile for %v", pubkey)
	}
	if len(events) == 0 {
		return nil, nil
	}

	return events[0], nil
}

// CountEvents counts cached events matching the single filter.
func (c *Cache) CountEvents(ctx context.Context, filter model.Filter) (count int64, err error) {
	where, params, err := newWhereBuilder().Build(&filter)
	if err != nil {
		return -1, errors.Wrap(err, "failed to generate events where clause")
	}

	sqlStr := `select count(id) from events e where ` + where

	stmt, err := c.prepare(ctx, sqlStr, hashSQL(sqlStr))
	if err != nil {
		return -1, errors.Wrapf(err, "failed to prepare count sql: %q", sqlStr)
	}

	if err = stmt.GetContext(ctx, &count, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}

		return -1, errors.Wrapf(err, "failed to query events count sql: %q", sqlStr)
	}

	return count, nil
}
