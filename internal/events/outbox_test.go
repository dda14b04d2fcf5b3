package events_test

import (
	"context"
	"testing"
	"time"

	"taskrelay/internal/db"
	"taskrelay/internal/events"
	"taskrelay/internal/migrate"
)

func newWriter(t *testing.T) (events.Writer, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return events.Writer{DB: conn}, context.Background()
}

func TestConsumersAreIndependent(t *testing.T) {
	w, ctx := newWriter(t)
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, tx, "task_created", events.EventPayload{"task_id": "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	dispatchEvts, err := w.PollUnconsumed(ctx, events.ConsumerDispatch)
	if err != nil || len(dispatchEvts) != 1 {
		t.Fatalf("dispatch poll: %v (%d)", err, len(dispatchEvts))
	}
	if err := w.MarkConsumed(ctx, dispatchEvts[0].ID, events.ConsumerDispatch); err != nil {
		t.Fatal(err)
	}

	// dispatch's flag must not touch broadcast's view
	broadcastEvts, err := w.PollUnconsumed(ctx, events.ConsumerBroadcast)
	if err != nil || len(broadcastEvts) != 1 {
		t.Fatalf("broadcast poll after dispatch consume: %v (%d)", err, len(broadcastEvts))
	}
	dispatchEvts, err = w.PollUnconsumed(ctx, events.ConsumerDispatch)
	if err != nil || len(dispatchEvts) != 0 {
		t.Fatalf("dispatch should be drained: %v (%d)", err, len(dispatchEvts))
	}

	// marking twice is harmless
	if err := w.MarkConsumed(ctx, broadcastEvts[0].ID, events.ConsumerDispatch); err != nil {
		t.Fatal(err)
	}
}

func TestPollOrderIsFIFO(t *testing.T) {
	w, ctx := newWriter(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		offset := time.Duration(i) * time.Second
		w.Now = func() time.Time { return base.Add(offset) }
		tx, err := w.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Append(ctx, tx, "task_created", events.EventPayload{"n": i}); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	evts, err := w.PollUnconsumed(ctx, events.ConsumerDispatch)
	if err != nil || len(evts) != 3 {
		t.Fatalf("poll: %v (%d)", err, len(evts))
	}
	for i, e := range evts {
		payload, err := events.DecodePayload(e)
		if err != nil {
			t.Fatal(err)
		}
		if int(payload["n"].(float64)) != i {
			t.Fatalf("order broken at %d: %v", i, payload)
		}
	}
}

func TestLatestFiltersByType(t *testing.T) {
	w, ctx := newWriter(t)
	for _, typ := range []string{"task_created", "task_moved", "task_created"} {
		tx, err := w.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Append(ctx, tx, typ, nil); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	evts, err := w.Latest(ctx, 10, "task_created")
	if err != nil || len(evts) != 2 {
		t.Fatalf("latest: %v (%d)", err, len(evts))
	}
	evts, err = w.Latest(ctx, 1, "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("limit: %v (%d)", err, len(evts))
	}
}
