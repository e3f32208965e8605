package realtime

import (
	"io"
	"log/slog"
	"testing"

	v1 "courier/shared/contracts/chat/v1"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recvType drains c.Send until an envelope of wantType shows up.
// Fails the test when the queue runs dry first.
func recvType(t *testing.T, c *Client, wantType string) v1.Envelope {
	t.Helper()

	for {
		select {
		case env := <-c.Send:
			if env.Type == wantType {
				return env
			}
		default:
			t.Fatalf("queue drained without %q (session=%s)", wantType, c.SessionID)
			return v1.Envelope{}
		}
	}
}

// recvNone asserts that nothing of forbiddenType is queued on c.
func recvNone(t *testing.T, c *Client, forbiddenType string) {
	t.Helper()

	for {
		select {
		case env := <-c.Send:
			if env.Type == forbiddenType {
				t.Fatalf("unexpected %q queued (session=%s)", forbiddenType, c.SessionID)
			}
		default:
			return
		}
	}
}
