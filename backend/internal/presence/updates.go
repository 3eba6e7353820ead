package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/cache"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
)

// Cursor, selection and viewport updates are last-write-wins per field and
// carry no ordering guarantee. Store and cache calls are retried; a failure
// after the retries is returned but nothing is rolled back.

func (t *Tracker) UpdateCursor(ctx context.Context, key entity.PresenceKey, c entity.CursorPosition) error {
	ev := eventFor(key)
	ev.Cursor = &c
	return t.updateField(ctx, key, cache.FieldCursor, &c, broadcast.TopicCursors, broadcast.TypeCursorMoved, ev,
		func() (bool, error) { return t.store.UpdateCursor(ctx, key, &c) })
}

func (t *Tracker) UpdateSelection(ctx context.Context, key entity.PresenceKey, s entity.Selection) error {
	ev := eventFor(key)
	ev.Selection = &s
	return t.updateField(ctx, key, cache.FieldSelection, &s, broadcast.TopicSelections, broadcast.TypeSelectionChanged, ev,
		func() (bool, error) { return t.store.UpdateSelection(ctx, key, &s) })
}

func (t *Tracker) UpdateViewport(ctx context.Context, key entity.PresenceKey, v entity.Viewport) error {
	ev := eventFor(key)
	ev.Viewport = &v
	return t.updateField(ctx, key, cache.FieldViewport, &v, broadcast.TopicViewports, broadcast.TypeViewportChanged, ev,
		func() (bool, error) { return t.store.UpdateViewport(ctx, key, &v) })
}

// updateField writes the durable row (only while online), then the cache
// entry of every live session the user has on the graph, then broadcasts.
func (t *Tracker) updateField(ctx context.Context, key entity.PresenceKey, field string, value any,
	topic broadcast.Topic, typ string, ev Event, durable func() (bool, error),
) error {
	if _, err := retry(ctx, t.opts.Retry, durable); err != nil {
		return fmt.Errorf("update %s: %w", field, err)
	}

	written, err := retry(ctx, t.opts.Retry, func() (bool, error) {
		return t.cache.SetField(ctx, key, field, value)
	})
	if err != nil {
		return fmt.Errorf("update %s cache: %w", field, err)
	}
	if !written {
		// cache lost the entry: rebuild it from the row and write again
		if _, err := t.reconcile(ctx, key); err != nil {
			return err
		}
		if _, err := t.cache.SetField(ctx, key, field, value); err != nil {
			return fmt.Errorf("update %s cache: %w", field, err)
		}
	}

	sessions, err := t.cache.LiveSessions(ctx, key.GraphID, key.UserID)
	if err != nil {
		t.log.Warn("list live sessions", "user", key.UserID, "err", err)
	}
	for _, sid := range sessions {
		if sid == key.SessionID {
			continue
		}
		other := entity.PresenceKey{UserID: key.UserID, GraphID: key.GraphID, SessionID: sid}
		if _, err := t.cache.SetField(ctx, other, field, value); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Warn("fan out presence field", "session", sid, "field", field, "err", err)
		}
	}

	t.publish(ctx, key.GraphID, topic, typ, key.SessionID, ev)
	return nil
}
