package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/kuuji/callwire/internal/role"
	"github.com/kuuji/callwire/internal/rowstore"
	"github.com/kuuji/callwire/pkg/callproto"
)

// Hub is the relay server half of the Realtime Subscriber (§4.E): it
// accepts WebSocket connections, reads subscribe_inserts/subscribe_call
// requests, and forwards rowstore.Gateway events to the subscribing
// connection as callproto wire messages.
//
// Hub implements http.Handler and can be used with any HTTP server,
// adapted from the teacher's internal/signaling.Hub peer-relay loop —
// this hub relays Call row events instead of WebRTC offer/answer/ICE
// payloads between peers directly.
type Hub struct {
	gw  rowstore.Gateway
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new realtime Hub backed by gw.
func NewHub(gw rowstore.Gateway, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		gw:     gw,
		log:    logger.With("component", "realtime-hub"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close shuts down the hub.
func (h *Hub) Close() {
	h.cancel()
}

// ServeHTTP implements http.Handler. Each connection first sends a
// subscribe_inserts message; the hub then relays insert events matching
// that role, and forwards any subsequent subscribe_call/unsubscribe_call
// requests by (un)subscribing to that call's update stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := h.ctx

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	msg, err := callproto.Unmarshal(data)
	if err != nil {
		h.writeError(ctx, conn, "malformed subscribe_inserts message")
		return
	}
	sub, ok := msg.(*callproto.SubscribeInsertsMessage)
	if !ok {
		h.writeError(ctx, conn, "first message must be subscribe_inserts")
		return
	}

	log := h.log.With("role", sub.Role, "profile_id", sub.ProfileID)
	log.Info("subscriber connected")

	insertCh, insertCancel, err := h.gw.SubscribeInserts(ctx, sub.Role)
	if err != nil {
		h.writeError(ctx, conn, "subscribe_inserts failed")
		return
	}
	defer insertCancel()

	conn2 := &hubConn{conn: conn, log: log}

	perCall := make(map[string]func())
	var perCallMu sync.Mutex
	defer func() {
		perCallMu.Lock()
		for _, cancel := range perCall {
			cancel()
		}
		perCallMu.Unlock()
	}()

	go func() {
		for ev := range insertCh {
			h.forwardEvent(ctx, conn2, ev, sub.Role, sub.ProfileID)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Info("subscriber disconnected", "error", err)
			return
		}

		msg, err := callproto.Unmarshal(data)
		if err != nil {
			continue
		}

		switch m := msg.(type) {
		case *callproto.SubscribeCallMessage:
			perCallMu.Lock()
			if _, exists := perCall[m.CallID]; !exists {
				callCh, cancel, err := h.gw.Subscribe(ctx, m.CallID)
				if err != nil {
					perCallMu.Unlock()
					h.writeError(ctx, conn, "subscribe_call failed")
					continue
				}
				perCall[m.CallID] = cancel
				go func(callID string, ch <-chan rowstore.Event) {
					for ev := range ch {
						h.forwardEvent(ctx, conn2, ev, sub.Role, sub.ProfileID)
					}
				}(m.CallID, callCh)
			}
			perCallMu.Unlock()
		case *callproto.UnsubscribeCallMessage:
			perCallMu.Lock()
			if cancel, exists := perCall[m.CallID]; exists {
				cancel()
				delete(perCall, m.CallID)
			}
			perCallMu.Unlock()
		}
	}
}

func (h *Hub) forwardEvent(ctx context.Context, conn *hubConn, ev rowstore.Event, subRole callproto.Role, profileID string) {
	switch ev.Kind {
	case "subscribed":
		conn.write(ctx, &callproto.SubscribedMessage{CallID: ev.CallID})
	case "error":
		// The underlying Gateway's transport is degraded (e.g. a Postgres
		// LISTEN/NOTIFY outage). Transient transport errors are not
		// forwarded as protocol messages, and the connection is left open:
		// the subscriber receives nothing for this event.
	case "insert":
		if !ownsProfile(ev.Row, subRole, profileID) {
			return
		}
		conn.write(ctx, &callproto.InsertEventMessage{Row: ev.Row})
	case "update":
		changed := make(map[string]json.RawMessage, len(ev.Changed))
		for k, v := range ev.Changed {
			raw, err := json.Marshal(v)
			if err != nil {
				h.log.Error("marshaling changed column", "column", k, "error", err)
				continue
			}
			changed[k] = raw
		}
		conn.write(ctx, &callproto.UpdateEventMessage{CallID: ev.CallID, Changed: changed})
	}
}

// ownsProfile reports whether profileID occupies the id field subRole owns
// on row, the further per-profile filter subscribe_inserts applies on top
// of the recipient_type match the gateway already performed (§4.A, §4.E
// channel 1).
func ownsProfile(row callproto.Call, subRole callproto.Role, profileID string) bool {
	rt, ok := role.Resolve(subRole)
	if !ok {
		return false
	}

	var field *string
	switch rt.LocalIDField {
	case role.FieldParentID:
		field = row.ParentID
	case role.FieldChildID:
		field = row.ChildID
	case role.FieldFamilyMemberID:
		field = row.FamilyMemberID
	}

	return field != nil && *field == profileID
}

func (h *Hub) writeError(ctx context.Context, conn *websocket.Conn, reason string) {
	data, err := callproto.Marshal(&callproto.ErrorMessage{Error: reason})
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// hubConn serializes writes to one subscriber connection — insert events
// and multiple per-call update streams can all write concurrently.
type hubConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  *slog.Logger
}

func (c *hubConn) write(ctx context.Context, msg callproto.Message) {
	data, err := callproto.Marshal(msg)
	if err != nil {
		c.log.Error("marshaling outbound message", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("write failed, subscriber likely disconnected", "error", err)
	}
}
