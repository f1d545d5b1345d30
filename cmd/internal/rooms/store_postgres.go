package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sigma/cmd/internal/pgutil"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
// - AppendMessage takes a transactional advisory lock per (owner, room) so seq
//   allocation is strictly monotonic and duplicates never burn a seq.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "sigma").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		clean, err := pgutil.CleanSchema(schema)
		if err != nil {
			return err
		}
		s.schema = clean
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, pgutil.ErrNilPool
	}
	return st, nil
}

func (s *PostgresStore) rooms() string    { return pgutil.Ident(s.schema, "rooms") }
func (s *PostgresStore) messages() string { return pgutil.Ident(s.schema, "room_messages") }

const roomColumns = `owner_id, room_id, name, topic, avatar_ref, member_count, members,
	last_activity, last_message, unread_count, encrypted, direct`

func scanRoom(row pgx.Row) (Room, error) {
	var r Room
	err := row.Scan(
		&r.Owner, &r.ID, &r.Name, &r.Topic, &r.AvatarRef, &r.MemberCount, &r.Members,
		&r.LastActivity, &r.LastMessage, &r.UnreadCount, &r.Encrypted, &r.Direct,
	)
	return r, err
}

func (s *PostgresStore) UpsertRoom(ctx context.Context, r Room) (Room, error) {
	members := r.Members
	if members == nil {
		members = []Member{}
	}
	out, err := scanRoom(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.rooms()+` AS r (
		     owner_id, room_id, name, topic, avatar_ref, member_count, members,
		     last_activity, last_message, unread_count, encrypted, direct
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (owner_id, room_id) DO UPDATE SET
		     name = EXCLUDED.name,
		     topic = EXCLUDED.topic,
		     avatar_ref = EXCLUDED.avatar_ref,
		     member_count = EXCLUDED.member_count,
		     members = EXCLUDED.members,
		     last_message = CASE
		         WHEN EXCLUDED.last_activity >= r.last_activity AND EXCLUDED.last_message <> ''
		         THEN EXCLUDED.last_message
		         ELSE r.last_message
		     END,
		     last_activity = GREATEST(r.last_activity, EXCLUDED.last_activity),
		     unread_count = GREATEST(r.unread_count, EXCLUDED.unread_count),
		     encrypted = r.encrypted OR EXCLUDED.encrypted,
		     direct = EXCLUDED.direct,
		     updated_at = now()
		 RETURNING `+roomColumns,
		r.Owner, r.ID, r.Name, r.Topic, r.AvatarRef, r.MemberCount, members,
		r.LastActivity, r.LastMessage, r.UnreadCount, r.Encrypted, r.Direct,
	))
	if err != nil {
		return Room{}, fmt.Errorf("upsert room: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, owner, roomID string) (Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM `+s.rooms()+` WHERE owner_id = $1 AND room_id = $2`,
		owner, roomID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	return r, err
}

func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

func (s *PostgresStore) ListRooms(ctx context.Context, owner string, f Filter) ([]Room, error) {
	var (
		where = []string{"owner_id = $1"}
		args  = []any{owner}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Direct != nil {
		where = append(where, "direct = "+arg(*f.Direct))
	}
	if f.Encrypted != nil {
		where = append(where, "encrypted = "+arg(*f.Encrypted))
	}
	if f.UnreadOnly {
		where = append(where, "unread_count > 0")
	}
	if f.Query != "" {
		p := arg(likePattern(f.Query))
		where = append(where, "(name ILIKE "+p+" OR topic ILIKE "+p+")")
	}
	q := `SELECT ` + roomColumns + ` FROM ` + s.rooms() +
		` WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY last_activity DESC, room_id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, owner, roomID string) (Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx,
		`UPDATE `+s.rooms()+`
		    SET unread_count = 0, updated_at = now()
		  WHERE owner_id = $1 AND room_id = $2
		RETURNING `+roomColumns,
		owner, roomID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	return r, err
}

const messageColumns = `owner_id, room_id, event_id, seq, sender_id, content, msg_type, encrypted, ts`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.Owner, &m.RoomID, &m.EventID, &m.Seq, &m.SenderID, &m.Content, &m.MsgType, &m.Encrypted, &m.Timestamp)
	return m, err
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m Message, incrementUnread bool) (AppendResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize writes per (owner, room); dedupe and seq allocation rely on it.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, m.Owner+"|"+m.RoomID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.rooms()+` (owner_id, room_id, last_activity) VALUES ($1, $2, $3)
		 ON CONFLICT (owner_id, room_id) DO NOTHING`,
		m.Owner, m.RoomID, m.Timestamp,
	); err != nil {
		return AppendResult{}, err
	}

	existing, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.messages()+` WHERE owner_id = $1 AND event_id = $2`,
		m.Owner, m.EventID,
	))
	if err == nil {
		room, err := scanRoom(tx.QueryRow(ctx,
			`SELECT `+roomColumns+` FROM `+s.rooms()+` WHERE owner_id = $1 AND room_id = $2`,
			m.Owner, m.RoomID,
		))
		if err != nil {
			return AppendResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Stored: existing, Duplicated: true, Room: room}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	if err := tx.QueryRow(ctx,
		`UPDATE `+s.rooms()+`
		    SET next_seq = next_seq + 1
		  WHERE owner_id = $1 AND room_id = $2
		RETURNING (next_seq - 1)`,
		m.Owner, m.RoomID,
	).Scan(&m.Seq); err != nil {
		return AppendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.messages()+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.Owner, m.RoomID, m.EventID, m.Seq, m.SenderID, m.Content, m.MsgType, m.Encrypted, m.Timestamp,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	unread := 0
	if incrementUnread {
		unread = 1
	}
	room, err := scanRoom(tx.QueryRow(ctx,
		`UPDATE `+s.rooms()+` SET
		     last_message = CASE WHEN $3 >= last_activity THEN $4 ELSE last_message END,
		     last_activity = GREATEST(last_activity, $3),
		     unread_count = unread_count + $5,
		     encrypted = encrypted OR $6,
		     updated_at = now()
		  WHERE owner_id = $1 AND room_id = $2
		RETURNING `+roomColumns,
		m.Owner, m.RoomID, m.Timestamp, Preview(m), unread, m.Encrypted,
	))
	if err != nil {
		return AppendResult{}, fmt.Errorf("touch room: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: m, Room: room}, nil
}

func (s *PostgresStore) MessageByEvent(ctx context.Context, owner, eventID string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.messages()+` WHERE owner_id = $1 AND event_id = $2`,
		owner, eventID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("event %q: %w", eventID, ErrNotFound)
	}
	return m, err
}

func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	limit := clampLimit(in.Limit)
	fetch := limit + 1

	var (
		rows pgx.Rows
		err  error
	)
	if in.BeforeSeq != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+s.messages()+`
			  WHERE owner_id = $1 AND room_id = $2 AND seq < $3
			  ORDER BY seq DESC
			  LIMIT $4`,
			in.Owner, in.RoomID, *in.BeforeSeq, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+s.messages()+`
			  WHERE owner_id = $1 AND room_id = $2
			  ORDER BY seq DESC
			  LIMIT $3`,
			in.Owner, in.RoomID, fetch,
		)
	}
	if err != nil {
		return HistoryResult{}, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return HistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	// Newest-first from the query; callers get ascending seq.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}
