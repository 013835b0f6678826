package signaling

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client is the peer side of the signaling relay.
type Client struct {
	url string
	log *logrus.Entry
}

// NewClient constructs a Client dialing url (ws:// or wss://) for each
// operation. log may be nil.
func NewClient(url string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Client{url: url, log: log}
}

// AwaitAnswer long-polls the hub for an answer delivered against code,
// spec §5's "answer-channel long-poll 1 s interval until caller's
// deadline." ctx's deadline bounds the whole wait.
func (c *Client) AwaitAnswer(ctx context.Context, code string) (string, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("signaling: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(frame{Type: frameSubscribe, Code: code}); err != nil {
		return "", fmt.Errorf("signaling: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		// A gorilla/websocket read error, a timeout included, is permanent
		// for the connection, so the only read deadline is ctx's own.
		var f frame
		err := conn.ReadJSON(&f)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return "", context.DeadlineExceeded
			}
			return "", fmt.Errorf("signaling: await answer: %w", err)
		}
		if f.Type == framePayload && f.Code == code {
			return f.Payload, nil
		}
	}
}

// DeliverAnswer posts sdp to the mailbox named code, waking any peer
// blocked in AwaitAnswer for the same code.
func (c *Client) DeliverAnswer(ctx context.Context, code, sdp string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(frame{Type: frameDeliver, Code: code, Payload: sdp}); err != nil {
		return fmt.Errorf("signaling: deliver: %w", err)
	}

	var ack frame
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	_ = conn.ReadJSON(&ack) // best-effort ack; delivery already succeeded once written
	return nil
}
