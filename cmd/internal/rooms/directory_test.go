package rooms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDirectory(st Store) *Directory {
	return NewDirectory(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func ptr[T any](v T) *T { return &v }

func exerciseUpsert(t *testing.T, d *Directory) {
	t.Helper()
	ctx := context.Background()

	r, err := d.Upsert(ctx, Room{Owner: "alice", ID: "!a", Name: "General", LastActivity: t0, UnreadCount: 3, LastMessage: "hey"})
	require.NoError(t, err)
	require.Equal(t, 3, r.UnreadCount)

	// Idempotent.
	r, err = d.Upsert(ctx, Room{Owner: "alice", ID: "!a", Name: "General", LastActivity: t0, UnreadCount: 3, LastMessage: "hey"})
	require.NoError(t, err)
	require.Equal(t, 3, r.UnreadCount)

	// Older summary: activity and preview stay, unread never decreases, name updates.
	r, err = d.Upsert(ctx, Room{Owner: "alice", ID: "!a", Name: "Renamed", LastActivity: t0.Add(-time.Hour), UnreadCount: 1, LastMessage: "old"})
	require.NoError(t, err)
	require.Equal(t, "Renamed", r.Name)
	require.True(t, r.LastActivity.Equal(t0))
	require.Equal(t, "hey", r.LastMessage)
	require.Equal(t, 3, r.UnreadCount)

	// Newer summary moves activity forward.
	r, err = d.Upsert(ctx, Room{Owner: "alice", ID: "!a", Name: "Renamed", LastActivity: t0.Add(time.Hour), UnreadCount: 5, LastMessage: "new", Encrypted: true})
	require.NoError(t, err)
	require.True(t, r.LastActivity.Equal(t0.Add(time.Hour)))
	require.Equal(t, "new", r.LastMessage)
	require.Equal(t, 5, r.UnreadCount)
	require.True(t, r.Encrypted)

	// Encryption cannot be switched off.
	r, err = d.Upsert(ctx, Room{Owner: "alice", ID: "!a", Name: "Renamed", LastActivity: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, r.Encrypted)

	r, err = d.MarkRead(ctx, "alice", "!a")
	require.NoError(t, err)
	require.Equal(t, 0, r.UnreadCount)

	_, err = d.MarkRead(ctx, "bob", "!a")
	require.ErrorIs(t, err, ErrNotFound, "rooms are scoped to their owner")

	_, err = d.Upsert(ctx, Room{Owner: "alice", ID: "!a", UnreadCount: -1})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func exerciseList(t *testing.T, d *Directory) {
	t.Helper()
	ctx := context.Background()

	seed := []Room{
		{Owner: "alice", ID: "!b", Name: "Book club", LastActivity: t0, UnreadCount: 0},
		{Owner: "alice", ID: "!a", Name: "Alpha", LastActivity: t0, UnreadCount: 2, Encrypted: true},
		{Owner: "alice", ID: "!c", Name: "Carol", Topic: "dm", LastActivity: t0.Add(time.Minute), Direct: true, Encrypted: true, UnreadCount: 1},
		{Owner: "bob", ID: "!z", Name: "Bob only", LastActivity: t0.Add(time.Hour)},
	}
	for _, r := range seed {
		_, err := d.Upsert(ctx, r)
		require.NoError(t, err)
	}

	ids := func(rs []Room) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.ID
		}
		return out
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all ordered by activity then id", Filter{}, []string{"!c", "!a", "!b"}},
		{"direct only", Filter{Direct: ptr(true)}, []string{"!c"}},
		{"group only", Filter{Direct: ptr(false)}, []string{"!a", "!b"}},
		{"encrypted", Filter{Encrypted: ptr(true)}, []string{"!c", "!a"}},
		{"unread only", Filter{UnreadOnly: true}, []string{"!c", "!a"}},
		{"query name", Filter{Query: "BOOK"}, []string{"!b"}},
		{"query topic", Filter{Query: "dm"}, []string{"!c"}},
		{"query wildcard is literal", Filter{Query: "%"}, nil},
		{"limit", Filter{Limit: 2}, []string{"!c", "!a"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := d.List(ctx, "alice", tc.filter)
			require.NoError(t, err)
			if tc.want == nil {
				require.Empty(t, got)
				return
			}
			require.Equal(t, tc.want, ids(got))
		})
	}
}

func exerciseMessages(t *testing.T, d *Directory) {
	t.Helper()
	ctx := context.Background()

	_, err := d.Upsert(ctx, Room{Owner: "alice", ID: "!r", Name: "R", LastActivity: t0})
	require.NoError(t, err)

	msg := Message{Owner: "alice", RoomID: "!r", EventID: "$1", SenderID: "bob", Content: "hello", Timestamp: t0.Add(time.Second)}
	res, err := d.RecordMessage(ctx, msg, true)
	require.NoError(t, err)
	require.False(t, res.Duplicated)
	require.Equal(t, int64(1), res.Stored.Seq)
	require.Equal(t, MsgTypeText, res.Stored.MsgType)
	require.Equal(t, 1, res.Room.UnreadCount)
	require.Equal(t, "hello", res.Room.LastMessage)

	// Applying the same event again changes nothing.
	res, err = d.RecordMessage(ctx, msg, true)
	require.NoError(t, err)
	require.True(t, res.Duplicated)
	room, err := d.Get(ctx, "alice", "!r")
	require.NoError(t, err)
	require.Equal(t, 1, room.UnreadCount)

	seen, err := d.HasEvent(ctx, "alice", "$1")
	require.NoError(t, err)
	require.True(t, seen)
	seen, err = d.HasEvent(ctx, "carol", "$1")
	require.NoError(t, err)
	require.False(t, seen)

	// The same event id for another owner is a different record.
	other := msg
	other.Owner = "carol"
	res, err = d.RecordMessage(ctx, other, false)
	require.NoError(t, err)
	require.False(t, res.Duplicated)

	for i := 2; i <= 7; i++ {
		_, err := d.RecordMessage(ctx, Message{
			Owner: "alice", RoomID: "!r", EventID: fmt.Sprintf("$%d", i), SenderID: "alice",
			Content: strings.Repeat("x", i), Timestamp: t0.Add(time.Duration(i) * time.Second),
		}, false)
		require.NoError(t, err)
	}

	hist, err := d.History(ctx, HistoryInput{Owner: "alice", RoomID: "!r", Limit: 3})
	require.NoError(t, err)
	require.True(t, hist.HasMore)
	require.Equal(t, []int64{5, 6, 7}, seqs(hist.Messages))

	hist, err = d.History(ctx, HistoryInput{Owner: "alice", RoomID: "!r", BeforeSeq: ptr(int64(5)), Limit: 10})
	require.NoError(t, err)
	require.False(t, hist.HasMore)
	require.Equal(t, []int64{1, 2, 3, 4}, seqs(hist.Messages))

	bad, err := d.RecordMessage(ctx, Message{
		Owner: "alice", RoomID: "!r", EventID: "$bad", SenderID: "bob",
		MsgType: MsgTypeBadEncrypted, Encrypted: true, Timestamp: t0.Add(time.Minute),
	}, true)
	require.NoError(t, err)
	require.Equal(t, UndecryptablePreview, bad.Room.LastMessage)
	require.True(t, bad.Room.Encrypted)

	// A message for an unknown room creates a minimal summary.
	res, err = d.RecordMessage(ctx, Message{Owner: "alice", RoomID: "!new", EventID: "$n", SenderID: "bob", Content: "x", Timestamp: t0}, true)
	require.NoError(t, err)
	require.Equal(t, 1, res.Room.UnreadCount)

	_, err = d.RecordMessage(ctx, Message{Owner: "alice", RoomID: "!r", SenderID: "bob"}, false)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func exerciseConcurrentAppend(t *testing.T, d *Directory) {
	t.Helper()
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := d.RecordMessage(ctx, Message{
					Owner: "alice", RoomID: "!busy", EventID: fmt.Sprintf("$e%d", i), SenderID: "bob",
					Content: "c", Timestamp: t0,
				}, true)
				errs <- err
			}(i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	hist, err := d.History(ctx, HistoryInput{Owner: "alice", RoomID: "!busy", Limit: 200})
	require.NoError(t, err)
	require.Len(t, hist.Messages, n)
	for i, m := range hist.Messages {
		require.Equal(t, int64(i+1), m.Seq, "no seq gaps for duplicates")
	}
	room, err := d.Get(ctx, "alice", "!busy")
	require.NoError(t, err)
	require.Equal(t, n, room.UnreadCount)
}

func seqs(ms []Message) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.Seq
	}
	return out
}

func TestMemoryDirectory_Upsert(t *testing.T) {
	t.Parallel()
	exerciseUpsert(t, newDirectory(NewMemoryStore()))
}

func TestMemoryDirectory_List(t *testing.T) {
	t.Parallel()
	exerciseList(t, newDirectory(NewMemoryStore()))
}

func TestMemoryDirectory_Messages(t *testing.T) {
	t.Parallel()
	exerciseMessages(t, newDirectory(NewMemoryStore()))
}

func TestMemoryDirectory_ConcurrentAppend(t *testing.T) {
	t.Parallel()
	exerciseConcurrentAppend(t, newDirectory(NewMemoryStore()))
}

func TestPreview_Truncates(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", 500)
	p := Preview(Message{Content: long})
	require.Equal(t, maxPreviewRunes, len([]rune(p)))
	require.True(t, strings.HasSuffix(p, "…"))
}
