package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cwt-line/kanban-agent/internal/core"
	"github.com/cwt-line/kanban-agent/internal/core/cardsim"
	"github.com/cwt-line/kanban-agent/internal/kanban"
	"github.com/gorilla/websocket"
)

// dialWS starts the WebSocket handler on a test server and connects to it.
func dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(InitWebSocket())
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, msgType, id string, payload any) {
	t.Helper()
	msg := WSMessage{Type: msgType, ID: id}
	if payload != nil {
		raw, _ := json.Marshal(payload)
		msg.Payload = raw
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// readUntil returns the first message with the given ID, skipping pushed
// events and replies to other requests.
func readUntil(t *testing.T, conn *websocket.Conn, id string) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read waiting for %q: %v", id, err)
		}
		if msg.ID == id {
			return msg
		}
	}
}

func readEvent(t *testing.T, conn *websocket.Conn, op string) kanban.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read waiting for %s event: %v", op, err)
		}
		if msg.Type != "kanban_event" {
			continue
		}
		var ev kanban.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Op == op {
			return ev
		}
	}
}

func payloadResult(t *testing.T, msg WSMessage) kanban.Result {
	t.Helper()
	if msg.Type == "error" {
		t.Fatalf("unexpected error reply: %s", msg.Error)
	}
	var res kanban.Result
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func TestNewWSHub(t *testing.T) {
	hub := NewWSHub()
	if hub.clients == nil || hub.broadcast == nil || hub.register == nil || hub.unregister == nil {
		t.Fatal("hub channels and client map must be initialized")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("new hub should have no clients")
	}
}

func TestWSHub_RegisterUnregister(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := newWSClient(nil, hub)
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.unregister <- client
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after unregister")
	}
	// closing twice must not panic
	client.closeSend()
}

func TestWSHub_Broadcast(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	clients := []*WSClient{newWSClient(nil, hub), newWSClient(nil, hub)}
	for _, c := range clients {
		hub.register <- c
	}
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	hub.PublishEvent(kanban.Event{Op: kanban.OpReadKanban, Result: kanban.Success("ok"), Time: time.Now()})

	for i, c := range clients {
		select {
		case raw := <-c.send:
			var msg WSMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("client %d: decode: %v", i, err)
			}
			if msg.Type != "kanban_event" {
				t.Errorf("client %d: type = %q", i, msg.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %d: no broadcast received", i)
		}
	}
}

func TestWSHub_DropsSlowClient(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	slow := &WSClient{send: make(chan []byte), hub: hub}
	hub.register <- slow
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Broadcast("kanban_event", map[string]string{"op": "x"})
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestWSMessage_JSON(t *testing.T) {
	msg := WSMessage{Type: "write_kanban", ID: "7", Payload: json.RawMessage(`{"thread1":"A","thread2":"B"}`)}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), `"error"`) {
		t.Errorf("empty error should be omitted: %s", raw)
	}

	var decoded WSMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != msg.Type || decoded.ID != msg.ID || string(decoded.Payload) != string(msg.Payload) {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestWSClient_sendResponseAndError(t *testing.T) {
	client := newWSClient(nil, NewWSHub())

	client.sendResponse("1", "version", map[string]string{"version": "v1"})
	client.sendError("2", "boom")

	var resp, errMsg WSMessage
	json.Unmarshal(<-client.send, &resp)
	json.Unmarshal(<-client.send, &errMsg)

	if resp.Type != "version" || resp.ID != "1" || resp.Error != "" {
		t.Errorf("response = %+v", resp)
	}
	if errMsg.Type != "error" || errMsg.ID != "2" || errMsg.Error != "boom" {
		t.Errorf("error = %+v", errMsg)
	}
}

func TestWSClient_sendAfterClose(t *testing.T) {
	client := newWSClient(nil, NewWSHub())
	client.closeSend()
	// must not panic on a closed channel
	client.sendResponse("1", "version", nil)
}

func TestWebSocket_VersionAndHealth(t *testing.T) {
	useStation(t, cardsim.NewReader())
	conn := dialWS(t)

	sendWS(t, conn, "version", "v", nil)
	msg := readUntil(t, conn, "v")
	if msg.Type != "version" {
		t.Fatalf("type = %q", msg.Type)
	}
	var version map[string]string
	json.Unmarshal(msg.Payload, &version)
	if version["version"] != Version {
		t.Errorf("version = %q, want %q", version["version"], Version)
	}

	sendWS(t, conn, "health", "h", nil)
	msg = readUntil(t, conn, "h")
	var health map[string]interface{}
	json.Unmarshal(msg.Payload, &health)
	if health["status"] != "ok" || health["readerCount"] != float64(1) {
		t.Errorf("health = %v", health)
	}
}

func TestWebSocket_UnknownType(t *testing.T) {
	conn := dialWS(t)

	sendWS(t, conn, "format_card", "u", nil)
	msg := readUntil(t, conn, "u")
	if msg.Type != "error" || msg.Error != "unknown message type: format_card" {
		t.Errorf("reply = %+v", msg)
	}
}

func TestWebSocket_InvalidJSON(t *testing.T) {
	conn := dialWS(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, conn, "")
	if msg.Type != "error" || msg.Error != "invalid message format" {
		t.Errorf("reply = %+v", msg)
	}
}

func TestWebSocket_ReaderStatusAndList(t *testing.T) {
	useStation(t, cardsim.NewReader())
	conn := dialWS(t)

	sendWS(t, conn, "reader_status", "s", nil)
	msg := readUntil(t, conn, "s")
	var st kanban.Status
	if err := json.Unmarshal(msg.Payload, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Reader != cardsim.ReaderName || st.State != kanban.StateReaderReady {
		t.Errorf("status = %+v", st)
	}

	sendWS(t, conn, "list_readers", "l", nil)
	msg = readUntil(t, conn, "l")
	var readers []core.Reader
	json.Unmarshal(msg.Payload, &readers)
	if len(readers) != 1 || readers[0].Name != cardsim.ReaderName {
		t.Errorf("readers = %+v", readers)
	}
}

func TestWebSocket_WriteReadWithEvents(t *testing.T) {
	_, card := withCard(t)
	conn := dialWS(t)

	sendWS(t, conn, "write_kanban", "w", map[string]string{"thread1": "TH-001", "thread2": "TH-RED-100"})
	res := payloadResult(t, readUntil(t, conn, "w"))
	if !res.OK {
		t.Fatalf("write result = %+v", res)
	}
	if got := string(card.Block(kanban.Thread2Block)[:10]); got != "TH-RED-100" {
		t.Errorf("block 5 = %q", got)
	}

	sendWS(t, conn, "read_kanban", "r", nil)
	// the event for the read may arrive before or after the reply
	ev := readEvent(t, conn, kanban.OpReadKanban)
	if ev.Result.Thread1 != "TH-001" {
		t.Errorf("event result = %+v", ev.Result)
	}
}

func TestWebSocket_WriteValidation(t *testing.T) {
	r, _ := withCard(t)
	conn := dialWS(t)

	sendWS(t, conn, "write_kanban", "a", map[string]string{"thread1": "A"})
	if msg := readUntil(t, conn, "a"); msg.Type != "error" {
		t.Errorf("missing thread2 should be rejected: %+v", msg)
	}

	sendWS(t, conn, "write_kanban", "b", map[string]string{"thread1": "ABCDEFGHIJKLMNOPQ", "thread2": "B"})
	res := payloadResult(t, readUntil(t, conn, "b"))
	if res.OK || res.Kind != core.KindFieldTooLong {
		t.Errorf("result = %+v", res)
	}
	if r.Connects() != 0 {
		t.Errorf("invalid writes must not touch the card, connects = %d", r.Connects())
	}
}

func TestWebSocket_DestructiveOpsNeedConfirm(t *testing.T) {
	_, card := withCard(t)
	card.SetBlock(kanban.Thread1Block, []byte("TH-001"))
	conn := dialWS(t)

	sendWS(t, conn, "clear_card", "c1", nil)
	if msg := readUntil(t, conn, "c1"); msg.Type != "error" {
		t.Errorf("unconfirmed clear should fail: %+v", msg)
	}
	sendWS(t, conn, "write_bypass", "b1", map[string]bool{"confirm": false})
	if msg := readUntil(t, conn, "b1"); msg.Type != "error" {
		t.Errorf("unconfirmed bypass should fail: %+v", msg)
	}
	if string(card.Block(kanban.Thread1Block)[:6]) != "TH-001" {
		t.Fatal("card changed without confirmation")
	}

	sendWS(t, conn, "write_bypass", "b2", map[string]bool{"confirm": true})
	if res := payloadResult(t, readUntil(t, conn, "b2")); !res.OK {
		t.Fatalf("bypass = %+v", res)
	}

	sendWS(t, conn, "clear_card", "c2", map[string]bool{"confirm": true})
	if res := payloadResult(t, readUntil(t, conn, "c2")); !res.OK {
		t.Fatalf("clear = %+v", res)
	}
	if card.Block(kanban.Thread1Block)[0] != 0 {
		t.Errorf("block 4 = % x, want cleared", card.Block(kanban.Thread1Block))
	}
}

func TestWebSocket_NoStation(t *testing.T) {
	prev := station
	station = nil
	defer func() { station = prev }()
	conn := dialWS(t)

	sendWS(t, conn, "read_kanban", "r", nil)
	if msg := readUntil(t, conn, "r"); msg.Type != "error" {
		t.Errorf("expected error without station: %+v", msg)
	}
}

func TestWebSocket_ConcurrentClients(t *testing.T) {
	conns := make([]*websocket.Conn, 5)
	server := httptest.NewServer(InitWebSocket())
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	for i := range conns {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer conn.Close()
		conns[i] = conn
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *websocket.Conn) {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := conn.WriteJSON(WSMessage{Type: "version", ID: id}); err != nil {
				t.Errorf("client %d write: %v", i, err)
				return
			}
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			var msg WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				t.Errorf("client %d read: %v", i, err)
				return
			}
			if msg.ID != id || msg.Type != "version" {
				t.Errorf("client %d reply = %+v", i, msg)
			}
		}(i, conn)
	}
	wg.Wait()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
