package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ws "github.com/coder/websocket"

	"github.com/bearstradespro/pushkit/internal/platform"
)

// Probe dials the page socket at url, sends PING and waits for PONG. Broadcast
// notifications arriving in between are skipped.
func Probe(ctx context.Context, url string) error {
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.CloseNow()

	ping, _ := json.Marshal(Message{Type: platform.MessagePing})
	if err := conn.Write(ctx, ws.MessageText, ping); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
		switch msg.Type {
		case platform.MessagePong:
			conn.Close(ws.StatusNormalClosure, "")
			return nil
		case TypeError:
			return errors.New(msg.Error)
		}
	}
}
