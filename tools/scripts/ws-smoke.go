// Package main provides a CI-friendly WebSocket smoke test for Courier.
//
// It validates:
//   - handshake + subprotocol selection + bearer auth
//   - hello/ack session establishment
//   - presence fanout on connect
//   - typing relay
//   - message_send -> message_ack + message_new fanout
//   - read_mark -> read_receipt
//   - history fetch
//
// Run against a server seeded with the two users as mutual contacts, e.g.:
//
//	COURIER_DEV_SEED_USERS=alice,bob COURIER_PASETO_SECRET_KEY=<hex> ./courier
//	go run ./tools/scripts -secret <hex>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "courier/shared/contracts/chat/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "courier.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "alice", "First user id")
		userB   = flag.String("user-b", "bob", "Second user id")
		secret  = flag.String("secret", "", "PASETO secret key hex (must match the server's)")
		issuer  = flag.String("issuer", "courier", "Token issuer (must match the server's)")
		tokenA  = flag.String("token-a", "", "Pre-minted token for user A (overrides -secret)")
		tokenB  = flag.String("token-b", "", "Pre-minted token for user B (overrides -secret)")
		text    = flag.String("text", "hello courier 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	tokA, tokB := mustTokens(*secret, *issuer, *userA, *userB, *tokenA, *tokenB)

	root := context.Background()

	a := mustConnect(root, "A", *userA, tokA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, tokB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	// A was online before B said hello, so A sees B's presence.
	mustAssertPresence(root, a, *userB, true, *timeout)

	// Typing relay A -> B.
	mustSend(root, a, v1.TypeTypingStart, v1.TypingPayload{To: *userB}, *timeout)
	typ := a.mustReadPeerEvent(root, b, v1.TypeTypingStart, *timeout)
	var tp v1.TypingPayload
	if err := json.Unmarshal(typ.Payload, &tp); err != nil {
		fatalf("unmarshal typing payload: %v", err)
	}
	if tp.From != *userA {
		fatalf("typing from mismatch: got=%q want=%q", tp.From, *userA)
	}
	mustSend(root, a, v1.TypeTypingStop, v1.TypingPayload{To: *userB}, *timeout)
	_ = a.mustReadPeerEvent(root, b, v1.TypeTypingStop, *timeout)

	// Send A -> B.
	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	msgID := mustSendAndAssertAck(root, a, *userB, clientMsgID, *text, *timeout)
	mustAssertNew(root, b, *userA, msgID, *text, *timeout)

	// B marks the conversation read; A gets the receipt.
	mustSend(root, b, v1.TypeReadMark, v1.ReadMarkPayload{PeerID: *userA}, *timeout)
	receipt := a.mustReadUntilType(root, v1.TypeReadReceipt, *timeout, skipAmbient())
	var rp v1.ReadReceiptPayload
	if err := json.Unmarshal(receipt.Payload, &rp); err != nil {
		fatalf("unmarshal read_receipt payload: %v", err)
	}
	if rp.ReaderID != *userB || rp.Count < 1 {
		fatalf("read_receipt mismatch: reader=%q count=%d", rp.ReaderID, rp.Count)
	}

	// History from B's side contains the message.
	mustHistoryContains(root, b, *userA, msgID, *text, *timeout)

	fmt.Printf("OK: A=%s B=%s msg_id=%s\n", a.sessionID, b.sessionID, msgID)
}

func mustTokens(secret, issuer, userA, userB, tokenA, tokenB string) (string, string) {
	if tokenA != "" && tokenB != "" {
		return tokenA, tokenB
	}
	if strings.TrimSpace(secret) == "" {
		fatalf("no -secret and no pre-minted tokens; the server would reject unsigned connects")
	}

	key, err := paseto.NewV4AsymmetricSecretKeyFromHex(secret)
	if err != nil {
		fatalf("parse -secret: %v", err)
	}

	mint := func(userID, sessionID string) string {
		now := time.Now().UTC()

		tok := paseto.NewToken()
		tok.SetIssuer(issuer)
		tok.SetIssuedAt(now)
		tok.SetNotBefore(now)
		tok.SetExpiration(now.Add(15 * time.Minute))
		_ = tok.Set("uid", userID)
		_ = tok.Set("sid", sessionID)

		return tok.V4Sign(key, nil)
	}

	return mint(userA, "smoke-a"), mint(userB, "smoke-b")
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user_id mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSend(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, receiverID, clientMsgID, text string, stepTimeout time.Duration) (msgID string) {
	mustSend(parent, c, v1.TypeMessageSend, v1.MessageSendPayload{
		ClientMsgID: clientMsgID,
		ReceiverID:  receiverID,
		Kind:        v1.KindText,
		Text:        text,
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skipAmbient())

	var p v1.MessagePayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.ReceiverID != receiverID {
		fatalf("ack receiver mismatch (%s): got=%q want=%q", c.name, p.ReceiverID, receiverID)
	}
	if p.Text != text {
		fatalf("ack text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	return p.MessageID
}

func mustAssertNew(parent context.Context, c *smokeClient, senderID, msgID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, skipAmbient())

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}

	if p.SenderID != senderID {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.MessageID != msgID {
		fatalf("new message_id mismatch (%s): got=%q want=%q", c.name, p.MessageID, msgID)
	}
	if p.Text != text {
		fatalf("new text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if p.CreatedAt.IsZero() {
		fatalf("new created_at missing/zero (%s)", c.name)
	}
}

func mustAssertPresence(parent context.Context, c *smokeClient, userID string, online bool, stepTimeout time.Duration) {
	for {
		env := c.mustReadUntilType(parent, v1.TypePresence, stepTimeout, nil)

		var p v1.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal presence payload (%s): %v", c.name, err)
		}
		if p.UserID != userID {
			continue
		}
		if p.Online != online {
			fatalf("presence mismatch (%s): user=%q online=%v want=%v", c.name, userID, p.Online, online)
		}
		return
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, peerID, msgID, text string, stepTimeout time.Duration) {
	mustSend(parent, c, v1.TypeHistoryFetch, v1.HistoryFetchPayload{
		PeerID: peerID,
		Limit:  50,
	}, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skipAmbient())

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.PeerID != peerID {
		fatalf("history_chunk peer mismatch (%s): got=%q want=%q", c.name, p.PeerID, peerID)
	}

	for _, m := range p.Messages {
		if m.MessageID == msgID && m.Text == text {
			return
		}
	}
	fatalf("history_chunk missing expected message (%s)", c.name)
}

// mustReadPeerEvent reads the next event of wantType from peer's inbox.
// The receiver c is only used for error labeling symmetry in call sites.
func (c *smokeClient) mustReadPeerEvent(parent context.Context, peer *smokeClient, wantType string, stepTimeout time.Duration) v1.Envelope {
	return peer.mustReadUntilType(parent, wantType, stepTimeout, skipAmbient())
}

// skipAmbient skips server-initiated events that can interleave with the
// step under test.
func skipAmbient() map[string]struct{} {
	return map[string]struct{}{
		v1.TypePresence:    {},
		v1.TypeTypingStart: {},
		v1.TypeTypingStop:  {},
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
