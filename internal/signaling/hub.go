// Package signaling implements the relay-based signaling transport peers
// use to exchange invite/answer SDP before a data channel exists (spec
// §1/§2, "relay-based signaling channel"). An offerer long-polls a
// mailbox keyed by the invite's answer_channel (spec §4.3) until an
// answerer delivers an SDP answer to the same code.
//
// Grounded on the websocket read/write pump shape used across the rest of
// the pack's gorilla/websocket code (ping-keepalive, read/write
// deadlines), repurposed from a persistent broadcast hub into a
// single-delivery mailbox: each code is claimed exactly once, not
// fanned out to every subscriber.
package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 1 * time.Second // matches the answer-channel long-poll interval, spec §5
	readWait   = 15 * time.Second
)

type frameType string

const (
	frameSubscribe frameType = "subscribe"
	frameDeliver   frameType = "deliver"
	framePayload   frameType = "payload"
	frameAck       frameType = "ack"
)

type frame struct {
	Type    frameType `json:"type"`
	Code    string    `json:"code"`
	Payload string    `json:"payload,omitempty"`
}

// Hub is the server side of the signaling relay: one websocket endpoint,
// one mailbox per answer-channel code.
type Hub struct {
	mu        sync.Mutex
	mailboxes map[string]chan string
	upgrader  websocket.Upgrader
	log       *logrus.Entry
}

// New constructs a Hub. log may be nil.
func New(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Hub{
		mailboxes: make(map[string]chan string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

func (h *Hub) mailbox(code string) chan string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.mailboxes[code]
	if !ok {
		ch = make(chan string, 1)
		h.mailboxes[code] = ch
	}
	return ch
}

func (h *Hub) clearMailbox(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mailboxes, code)
}

// ServeHTTP upgrades the connection and dispatches it as either a
// subscriber (awaiting an answer) or a deliverer (posting one), based on
// the first frame received.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("signaling upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readWait))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		h.log.WithError(err).Debug("signaling: failed to read opening frame")
		return
	}

	switch f.Type {
	case frameSubscribe:
		h.handleSubscribe(conn, f.Code)
	case frameDeliver:
		h.handleDeliver(conn, f.Code, f.Payload)
	default:
		h.log.WithField("type", f.Type).Debug("signaling: unknown opening frame type")
	}
}

func (h *Hub) handleSubscribe(conn *websocket.Conn, code string) {
	ch := h.mailbox(code)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(frame{Type: framePayload, Code: code, Payload: payload})
			h.clearMailbox(code)
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleDeliver(conn *websocket.Conn, code, payload string) {
	ch := h.mailbox(code)
	select {
	case ch <- payload:
	default:
		// a payload is already pending for this code; the first delivery wins.
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(frame{Type: frameAck, Code: code})
}
