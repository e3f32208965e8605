package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"courier/cmd/internal/auth"
	v1 "courier/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

type gatewayFixture struct {
	store  *MemoryStore
	tokens *auth.Manager
	srv    *httptest.Server
	wsURL  string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	store := NewMemoryStore()
	store.PutUser(User{ID: "alice", Username: "Alice"})
	store.PutUser(User{ID: "bob", Username: "Bob"})
	store.PutContacts("alice", "bob")

	tokens, err := auth.NewManager(auth.Config{})
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}

	log := newTestLogger()
	reg := NewRegistry()
	tracker := NewTracker(log, reg, store)
	router := NewRouter(log, store, reg)
	typing := NewSignaler(log, reg)
	gw := NewWSGateway(log, tokens, reg, router, tracker, typing)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &gatewayFixture{
		store:  store,
		tokens: tokens,
		srv:    srv,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (f *gatewayFixture) token(t *testing.T, userID string) string {
	t.Helper()

	tok, _, err := f.tokens.Issue(userID, "test-"+userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

type wsTestConn struct {
	conn *websocket.Conn
}

func (f *gatewayFixture) dial(t *testing.T, ctx context.Context, token string) (*wsTestConn, *http.Response, error) {
	t.Helper()

	h := http.Header{}
	h.Set("Origin", "http://localhost")
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, f.wsURL, &websocket.DialOptions{
		Subprotocols: []string{"courier.chat.v1"},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return nil, resp, err
	}
	return &wsTestConn{conn: conn}, resp, nil
}

func (c *wsTestConn) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *wsTestConn) write(t *testing.T, ctx context.Context, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("test-%s-%d", typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil reads envelopes until wantType arrives, skipping everything else.
func (c *wsTestConn) readUntil(t *testing.T, ctx context.Context, wantType string) v1.Envelope {
	t.Helper()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s: %v", wantType, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == v1.TypeError && wantType != v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			t.Fatalf("server error while waiting for %s: code=%s msg=%s", wantType, p.Code, p.Message)
		}
		if env.Type == wantType {
			return env
		}
	}
}

func (c *wsTestConn) hello(t *testing.T, ctx context.Context, wantUserID string) string {
	t.Helper()

	c.write(t, ctx, v1.TypeHello, v1.HelloPayload{})
	ack := c.readUntil(t, ctx, v1.TypeHelloAck)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		t.Fatalf("unmarshal hello_ack: %v", err)
	}
	if p.UserID != wantUserID || p.SessionID == "" {
		t.Fatalf("hello_ack mismatch: %+v", p)
	}
	return p.SessionID
}

func TestWSGateway_RejectsBadCredentials(t *testing.T) {
	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name, token := range map[string]string{
		"missing": "",
		"garbage": "v4.public.not-a-real-token",
	} {
		_, resp, err := f.dial(t, ctx, token)
		if err == nil {
			t.Fatalf("%s token: expected dial failure", name)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s token: expected 401, got %+v", name, resp)
		}
	}
}

func TestWSGateway_HelloEstablishesSession(t *testing.T) {
	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, resp, err := f.dial(t, ctx, f.token(t, "alice"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.close()

	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "courier.chat.v1" {
		t.Fatalf("subprotocol mismatch: %q", got)
	}

	c.hello(t, ctx, "alice")

	// Identity verified at upgrade; the durable flag flips on hello.
	u, err := f.store.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !u.IsOnline {
		t.Fatalf("expected alice online after hello")
	}
}

func TestWSGateway_OperationBeforeHelloRejected(t *testing.T) {
	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, _, err := f.dial(t, ctx, f.token(t, "alice"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.close()

	c.write(t, ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		ReceiverID: "bob",
		Kind:       v1.KindText,
		Text:       "too early",
	})

	env := c.readUntil(t, ctx, v1.TypeError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if p.Code != v1.CodeBadEnvelope {
		t.Fatalf("expected bad_envelope, got %q", p.Code)
	}
}

func TestWSGateway_EndToEndSendAndReceipts(t *testing.T) {
	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	alice, _, err := f.dial(t, ctx, f.token(t, "alice"))
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.close()
	alice.hello(t, ctx, "alice")

	bob, _, err := f.dial(t, ctx, f.token(t, "bob"))
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.close()
	bob.hello(t, ctx, "bob")

	// Alice sees bob come online.
	presence := alice.readUntil(t, ctx, v1.TypePresence)
	var pp v1.PresencePayload
	if err := json.Unmarshal(presence.Payload, &pp); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if pp.UserID != "bob" || !pp.Online {
		t.Fatalf("presence mismatch: %+v", pp)
	}

	// Typing relay.
	alice.write(t, ctx, v1.TypeTypingStart, v1.TypingPayload{To: "bob"})
	typing := bob.readUntil(t, ctx, v1.TypeTypingStart)
	var tp v1.TypingPayload
	if err := json.Unmarshal(typing.Payload, &tp); err != nil {
		t.Fatalf("unmarshal typing: %v", err)
	}
	if tp.From != "alice" {
		t.Fatalf("typing from mismatch: %+v", tp)
	}

	// Send and fanout.
	alice.write(t, ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		ClientMsgID: "cmsg-e2e",
		ReceiverID:  "bob",
		Kind:        v1.KindText,
		Text:        "over the wire",
	})

	var ack v1.MessagePayload
	if err := json.Unmarshal(alice.readUntil(t, ctx, v1.TypeMessageAck).Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.ClientMsgID != "cmsg-e2e" || ack.MessageID == "" {
		t.Fatalf("ack mismatch: %+v", ack)
	}

	var nw v1.MessagePayload
	if err := json.Unmarshal(bob.readUntil(t, ctx, v1.TypeMessageNew).Payload, &nw); err != nil {
		t.Fatalf("unmarshal new: %v", err)
	}
	if nw.MessageID != ack.MessageID || nw.Text != "over the wire" {
		t.Fatalf("fanout mismatch: %+v", nw)
	}

	// Read receipt back to alice.
	bob.write(t, ctx, v1.TypeReadMark, v1.ReadMarkPayload{PeerID: "alice"})
	var rp v1.ReadReceiptPayload
	if err := json.Unmarshal(alice.readUntil(t, ctx, v1.TypeReadReceipt).Payload, &rp); err != nil {
		t.Fatalf("unmarshal receipt: %v", err)
	}
	if rp.ReaderID != "bob" || rp.Count != 1 {
		t.Fatalf("receipt mismatch: %+v", rp)
	}

	// History over the wire.
	bob.write(t, ctx, v1.TypeHistoryFetch, v1.HistoryFetchPayload{PeerID: "alice"})
	var hc v1.HistoryChunkPayload
	if err := json.Unmarshal(bob.readUntil(t, ctx, v1.TypeHistoryChunk).Payload, &hc); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	if len(hc.Messages) != 1 || hc.Messages[0].MessageID != ack.MessageID || !hc.Messages[0].IsRead {
		t.Fatalf("history mismatch: %+v", hc)
	}
}

func TestWSGateway_ForbiddenSendYieldsTypedError(t *testing.T) {
	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f.store.PutUser(User{ID: "mallory", Username: "Mallory"})

	c, _, err := f.dial(t, ctx, f.token(t, "mallory"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.close()
	c.hello(t, ctx, "mallory")

	c.write(t, ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		ReceiverID: "bob",
		Kind:       v1.KindText,
		Text:       "let me in",
	})

	env := c.readUntil(t, ctx, v1.TypeError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if p.Code != v1.CodeForbidden {
		t.Fatalf("expected forbidden, got %q", p.Code)
	}
}

func TestWSGateway_SecondConnectionEvictsFirst(t *testing.T) {
	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, _, err := f.dial(t, ctx, f.token(t, "alice"))
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.close()
	first.hello(t, ctx, "alice")

	second, _, err := f.dial(t, ctx, f.token(t, "alice"))
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.close()
	second.hello(t, ctx, "alice")

	// The first connection gets torn down by the eviction.
	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	for {
		_, _, err := first.conn.Read(readCtx)
		if err != nil {
			break
		}
	}

	// The fresh connection keeps working.
	bob, _, err := f.dial(t, ctx, f.token(t, "bob"))
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.close()
	bob.hello(t, ctx, "bob")

	second.write(t, ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		ClientMsgID: "cmsg-evict",
		ReceiverID:  "bob",
		Kind:        v1.KindText,
		Text:        "still here",
	})
	second.readUntil(t, ctx, v1.TypeMessageAck)
	bob.readUntil(t, ctx, v1.TypeMessageNew)

	// alice never went offline during the replacement.
	u, err := f.store.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !u.IsOnline {
		t.Fatalf("alice flagged offline during handoff")
	}
}
