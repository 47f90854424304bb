package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kuuji/callwire/pkg/callproto"
)

// PostgresConfig configures a PostgresGateway.
type PostgresConfig struct {
	// DSN is the connection string passed to pgxpool.New.
	DSN string

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// notifyPayload is the JSON body this package's trigger function publishes
// on the "calls_changed" channel for every INSERT/UPDATE.
type notifyPayload struct {
	Op      string                     `json:"op"` // "INSERT" or "UPDATE"
	Row     callproto.Call             `json:"row"`
	Changed map[string]json.RawMessage `json:"changed,omitempty"`
}

// PostgresGateway implements Gateway over a Postgres `calls` table, using
// LISTEN/NOTIFY on a single "calls_changed" channel as the realtime
// replication primitive the row store contract requires (§6). A companion
// trigger (see migrations, not part of this package) is expected to NOTIFY
// with a notifyPayload on every row change.
type PostgresGateway struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu   sync.Mutex
	subs map[string][]chan Event         // callID -> per-call subscribers
	ins  map[callproto.Role][]chan Event // recipientType -> insert subscribers

	listenConn *pgxpool.Conn
	listenDone chan struct{}
}

// NewPostgresGateway connects to cfg.DSN and starts the background
// LISTEN/NOTIFY fan-out loop.
func NewPostgresGateway(ctx context.Context, cfg PostgresConfig) (*PostgresGateway, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "rowstore")

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	g := &PostgresGateway{
		pool:       pool,
		log:        log,
		subs:       make(map[string][]chan Event),
		ins:        make(map[callproto.Role][]chan Event),
		listenDone: make(chan struct{}),
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("acquiring listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN calls_changed"); err != nil {
		conn.Release()
		pool.Close()
		return nil, fmt.Errorf("starting LISTEN: %w", err)
	}
	g.listenConn = conn

	go g.listenLoop()

	return g, nil
}

func (g *PostgresGateway) listenLoop() {
	ctx := context.Background()
	degraded := false
	for {
		select {
		case <-g.listenDone:
			return
		default:
		}

		notification, err := g.listenConn.Conn().WaitForNotification(ctx)
		if err != nil {
			g.log.Error("listen loop: waiting for notification", "error", err)
			// Tell every subscriber once per outage, not once per retry, so
			// a subscriber's resumed poller isn't torn down and rebuilt on
			// every failed retry tick (§4.E: "on transport error, start
			// polling fallback").
			if !degraded {
				degraded = true
				g.broadcastError()
			}
			time.Sleep(time.Second)
			continue
		}
		degraded = false

		var payload notifyPayload
		if err := json.Unmarshal([]byte(notification.Payload), &payload); err != nil {
			g.log.Error("listen loop: decoding notify payload", "error", err)
			continue
		}

		g.dispatch(payload)
	}
}

// broadcastError fans a transport-error Event out to every currently
// subscribed channel, both per-call and insert-feed, the same way dispatch
// fans out insert/update events.
func (g *PostgresGateway) broadcastError() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for callID, chans := range g.subs {
		for _, ch := range chans {
			select {
			case ch <- Event{Kind: "error", CallID: callID}:
			default:
				g.log.Warn("subscriber channel full, dropping error event", "call_id", callID)
			}
		}
	}
	for _, chans := range g.ins {
		for _, ch := range chans {
			select {
			case ch <- Event{Kind: "error"}:
			default:
				g.log.Warn("insert subscriber channel full, dropping error event")
			}
		}
	}
}

func (g *PostgresGateway) dispatch(payload notifyPayload) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch payload.Op {
	case "INSERT":
		for _, ch := range g.ins[payload.Row.RecipientType] {
			select {
			case ch <- Event{Kind: "insert", CallID: payload.Row.ID, Row: payload.Row}:
			default:
				g.log.Warn("insert subscriber channel full, dropping event", "call_id", payload.Row.ID)
			}
		}
	case "UPDATE":
		changed := make(map[string]any, len(payload.Changed))
		for k, v := range payload.Changed {
			changed[k] = v
		}
		for _, ch := range g.subs[payload.Row.ID] {
			select {
			case ch <- Event{Kind: "update", CallID: payload.Row.ID, Changed: changed}:
			default:
				g.log.Warn("update subscriber channel full, dropping event", "call_id", payload.Row.ID)
			}
		}
	}
}

// Insert implements Gateway.
func (g *PostgresGateway) Insert(ctx context.Context, idempotencyKey string, fields InsertFields) (callproto.Call, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	offerJSON, err := json.Marshal(fields.Offer)
	if err != nil {
		return callproto.Call{}, fmt.Errorf("marshaling offer: %w", err)
	}

	row := g.pool.QueryRow(ctx, `
		INSERT INTO calls (id, caller_type, recipient_type, parent_id, child_id, family_member_id, status, offer, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'ringing', $7, $8, now())
		ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
		RETURNING id, caller_type, recipient_type, parent_id, child_id, family_member_id, status, offer, answer, parent_ice_candidates, child_ice_candidates, ended_at, ended_by, created_at
	`, fields.ID, fields.CallerType, fields.RecipientType, fields.ParentID, fields.ChildID, fields.FamilyMemberID, offerJSON, idempotencyKey)

	call, err := scanCall(row)
	if err != nil {
		if isUniqueViolation(err, "calls_pkey") {
			return callproto.Call{}, ErrConflict
		}
		return callproto.Call{}, fmt.Errorf("inserting call: %w", err)
	}
	return call, nil
}

// Fetch implements Gateway.
func (g *PostgresGateway) Fetch(ctx context.Context, id string, columns ...string) (callproto.Call, error) {
	query := "SELECT id, caller_type, recipient_type, parent_id, child_id, family_member_id, status, offer, answer, parent_ice_candidates, child_ice_candidates, ended_at, ended_by, created_at FROM calls WHERE id = $1"
	if len(columns) > 0 {
		query = fmt.Sprintf("SELECT id, %s FROM calls WHERE id = $1", strings.Join(columns, ", "))
	}

	row := g.pool.QueryRow(ctx, query, id)
	call, err := scanCall(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return callproto.Call{}, ErrNotFound
		}
		return callproto.Call{}, fmt.Errorf("fetching call %s: %w", id, err)
	}
	return call, nil
}

// Update implements Gateway.
func (g *PostgresGateway) Update(ctx context.Context, id string, patch callproto.Patch) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(*patch.Status))
	}
	if patch.Offer != nil {
		sets = append(sets, "offer = "+arg(patch.Offer))
	}
	if patch.Answer != nil {
		sets = append(sets, "answer = "+arg(patch.Answer))
	}
	if len(patch.AppendParentICE) > 0 {
		sets = append(sets, "parent_ice_candidates = parent_ice_candidates || "+arg(patch.AppendParentICE)+"::jsonb")
	}
	if len(patch.AppendChildICE) > 0 {
		sets = append(sets, "child_ice_candidates = child_ice_candidates || "+arg(patch.AppendChildICE)+"::jsonb")
	}
	if patch.ParentID != nil {
		sets = append(sets, "parent_id = "+arg(*patch.ParentID))
	}
	if patch.ClearEndedAt {
		sets = append(sets, "ended_at = NULL")
	} else if patch.EndedAt != nil {
		sets = append(sets, "ended_at = "+arg(*patch.EndedAt))
	}
	if patch.EndedBy != nil {
		sets = append(sets, "ended_by = "+arg(*patch.EndedBy))
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE calls SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	tag, err := g.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating call %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Subscribe implements Gateway.
func (g *PostgresGateway) Subscribe(ctx context.Context, id string) (<-chan Event, func(), error) {
	ch := make(chan Event, 32)

	g.mu.Lock()
	g.subs[id] = append(g.subs[id], ch)
	g.mu.Unlock()

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.subs[id] = removeChan(g.subs[id], ch)
		close(ch)
	}

	ch <- Event{Kind: "subscribed", CallID: id}

	return ch, cancel, nil
}

// SubscribeInserts implements Gateway.
func (g *PostgresGateway) SubscribeInserts(ctx context.Context, recipientType callproto.Role) (<-chan Event, func(), error) {
	ch := make(chan Event, 32)

	g.mu.Lock()
	g.ins[recipientType] = append(g.ins[recipientType], ch)
	g.mu.Unlock()

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.ins[recipientType] = removeChan(g.ins[recipientType], ch)
		close(ch)
	}

	ch <- Event{Kind: "subscribed"}

	return ch, cancel, nil
}

// ListRecent implements Gateway.
func (g *PostgresGateway) ListRecent(ctx context.Context, profileID string, limit int) ([]callproto.Call, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := g.pool.Query(ctx, `
		SELECT id, caller_type, recipient_type, parent_id, child_id, family_member_id, status, offer, answer, parent_ice_candidates, child_ice_candidates, ended_at, ended_by, created_at
		FROM calls
		WHERE parent_id = $1 OR child_id = $1 OR family_member_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent calls for %s: %w", profileID, err)
	}
	defer rows.Close()

	var out []callproto.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		out = append(out, call)
	}
	return out, rows.Err()
}

// Close implements Gateway.
func (g *PostgresGateway) Close() error {
	close(g.listenDone)
	if g.listenConn != nil {
		g.listenConn.Release()
	}
	g.pool.Close()
	return nil
}

// rowScanner is satisfied by both pgx.Row (QueryRow) and pgx.Rows (Query),
// letting scanCall serve both Fetch/Insert and ListRecent.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (callproto.Call, error) {
	var (
		c          callproto.Call
		offerJSON  []byte
		answerJSON []byte
		parentICE  []byte
		childICE   []byte
	)

	if err := row.Scan(
		&c.ID, &c.CallerType, &c.RecipientType,
		&c.ParentID, &c.ChildID, &c.FamilyMemberID,
		&c.Status, &offerJSON, &answerJSON,
		&parentICE, &childICE,
		&c.EndedAt, &c.EndedBy, &c.CreatedAt,
	); err != nil {
		return callproto.Call{}, err
	}

	if len(offerJSON) > 0 {
		var o callproto.SessionDescription
		if err := json.Unmarshal(offerJSON, &o); err != nil {
			return callproto.Call{}, fmt.Errorf("decoding offer: %w", err)
		}
		c.Offer = &o
	}
	if len(answerJSON) > 0 {
		var a callproto.SessionDescription
		if err := json.Unmarshal(answerJSON, &a); err != nil {
			return callproto.Call{}, fmt.Errorf("decoding answer: %w", err)
		}
		c.Answer = &a
	}
	if len(parentICE) > 0 {
		if err := json.Unmarshal(parentICE, &c.ParentICECandidates); err != nil {
			return callproto.Call{}, fmt.Errorf("decoding parent ICE candidates: %w", err)
		}
	}
	if len(childICE) > 0 {
		if err := json.Unmarshal(childICE, &c.ChildICECandidates); err != nil {
			return callproto.Call{}, fmt.Errorf("decoding child ICE candidates: %w", err)
		}
	}

	return c, nil
}

func removeChan(chans []chan Event, target chan Event) []chan Event {
	out := chans[:0]
	for _, ch := range chans {
		if ch != target {
			out = append(out, ch)
		}
	}
	return out
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505) against the given constraint, matched via pgx's
// structured error rather than substring-matching the message text.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
