package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hostview/cdpmux/internal/cdp"
	"github.com/hostview/cdpmux/internal/hostview"
)

func newTestServer(t *testing.T, views int) (*Server, *hostview.Manager, *httptest.Server) {
	t.Helper()

	m := hostview.NewManager(nil)
	m.SetCreator(hostview.NewEchoCreator())
	for i := 0; i < views; i++ {
		if _, err := m.CreateView(fmt.Sprintf("https://example.com/%d", i), "", "", ""); err != nil {
			t.Fatalf("CreateView failed: %v", err)
		}
	}

	s, err := New(m, Options{Host: "127.0.0.1", Port: 9221, AuthToken: "secret", CommandTimeout: time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
		m.Shutdown()
	})
	return s, m, ts
}

// frame is a decoded wire message, response or event.
type frame struct {
	ID        *int64          `json:"id"`
	Method    string          `json:"method"`
	Result    json.RawMessage `json:"result"`
	Error     *cdp.Error      `json:"error"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

func dialCDP(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendCmd(t *testing.T, ws *websocket.Conn, id int64, method, params, sessionID string) {
	t.Helper()
	req := cdp.Request{ID: id, Method: method, SessionID: sessionID}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	if err := ws.WriteJSON(req); err != nil {
		t.Fatalf("write %s failed: %v", method, err)
	}
}

// readUntilResponse reads frames until the response for id arrives, returning
// the events seen on the way, in wire order.
func readUntilResponse(t *testing.T, ws *websocket.Conn, id int64) ([]frame, frame) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var before []frame
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("read failed waiting for response %d: %v", id, err)
		}
		if f.ID != nil && *f.ID == id {
			return before, f
		}
		before = append(before, f)
	}
}

func TestCDPWebSocketRoundTrip(t *testing.T) {
	_, _, ts := newTestServer(t, 1)
	ws := dialCDP(t, ts, "/cdp/browser")

	sendCmd(t, ws, 1, "Browser.getVersion", "", "")
	_, resp := readUntilResponse(t, ws, 1)
	if resp.Error != nil {
		t.Fatalf("getVersion failed: %v", resp.Error)
	}
	var version struct {
		Product string `json:"product"`
	}
	if err := json.Unmarshal(resp.Result, &version); err != nil || version.Product == "" {
		t.Fatalf("bad version result: %s", resp.Result)
	}

	// Discovery announces the existing view before the response.
	sendCmd(t, ws, 2, "Target.setDiscoverTargets", `{"discover":true}`, "")
	before, resp := readUntilResponse(t, ws, 2)
	if resp.Error != nil {
		t.Fatalf("setDiscoverTargets failed: %v", resp.Error)
	}
	var targetID string
	for _, f := range before {
		if f.Method == "Target.targetCreated" {
			var p cdp.TargetCreatedParams
			if err := json.Unmarshal(f.Params, &p); err != nil {
				t.Fatalf("bad targetCreated params: %v", err)
			}
			targetID = p.TargetInfo.TargetID
		}
	}
	if targetID == "" {
		t.Fatal("expected targetCreated before the setDiscoverTargets response")
	}

	// Attach: attachedToTarget precedes the response carrying the session id.
	sendCmd(t, ws, 3, "Target.attachToTarget", fmt.Sprintf(`{"targetId":%q,"flatten":true}`, targetID), "")
	before, resp = readUntilResponse(t, ws, 3)
	if resp.Error != nil {
		t.Fatalf("attachToTarget failed: %v", resp.Error)
	}
	var attach struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Result, &attach); err != nil || attach.SessionID == "" {
		t.Fatalf("bad attach result: %s", resp.Result)
	}
	sawAttached := false
	for _, f := range before {
		if f.Method == "Target.attachedToTarget" {
			sawAttached = true
		}
	}
	if !sawAttached {
		t.Fatal("expected attachedToTarget before the attachToTarget response")
	}

	// Forwarded command: the echo runtime acknowledges it.
	sendCmd(t, ws, 4, "Page.enable", "", attach.SessionID)
	_, resp = readUntilResponse(t, ws, 4)
	if resp.Error != nil {
		t.Fatalf("forwarded command failed: %v", resp.Error)
	}
	if resp.SessionID != attach.SessionID {
		t.Errorf("response session id mismatch: %s", resp.SessionID)
	}

	// Unknown session routes to a session-not-found error, not a dropped frame.
	sendCmd(t, ws, 5, "Page.enable", "", "bogus")
	_, resp = readUntilResponse(t, ws, 5)
	if resp.Error == nil || resp.Error.Code != cdp.CodeServerError {
		t.Fatalf("expected session not found error, got %+v", resp.Error)
	}
}

func TestCDPCloseTargetOverWire(t *testing.T) {
	_, _, ts := newTestServer(t, 1)
	ws := dialCDP(t, ts, "/cdp/browser")

	sendCmd(t, ws, 1, "Target.setAutoAttach", `{"autoAttach":true,"flatten":true}`, "")
	before, resp := readUntilResponse(t, ws, 1)
	if resp.Error != nil {
		t.Fatalf("setAutoAttach failed: %v", resp.Error)
	}
	var targetID string
	for _, f := range before {
		if f.Method == "Target.targetCreated" {
			var p cdp.TargetCreatedParams
			json.Unmarshal(f.Params, &p)
			targetID = p.TargetInfo.TargetID
		}
	}
	if targetID == "" {
		t.Fatal("expected auto-attach to announce the existing view")
	}

	sendCmd(t, ws, 2, "Target.closeTarget", fmt.Sprintf(`{"targetId":%q}`, targetID), "")

	// detachedFromTarget must arrive before targetDestroyed.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var order []string
	for len(order) < 2 {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if f.Method == "Target.detachedFromTarget" || f.Method == "Target.targetDestroyed" {
			order = append(order, f.Method)
		}
	}
	if order[0] != "Target.detachedFromTarget" || order[1] != "Target.targetDestroyed" {
		t.Fatalf("wrong teardown order: %v", order)
	}
}

func TestCDPPageMode(t *testing.T) {
	_, m, ts := newTestServer(t, 1)

	v, err := m.GetView("")
	if err != nil {
		t.Fatalf("GetView failed: %v", err)
	}
	ws := dialCDP(t, ts, "/cdp/page/"+v.TargetID())

	// Sessionless traffic routes to the bound view.
	sendCmd(t, ws, 1, "Page.enable", "", "")
	_, resp := readUntilResponse(t, ws, 1)
	if resp.Error != nil {
		t.Fatalf("page-bound command failed: %v", resp.Error)
	}
}

func TestCDPSingleClient(t *testing.T) {
	s, _, ts := newTestServer(t, 0)
	ws := dialCDP(t, ts, "/cdp/browser")

	deadline := time.Now().Add(2 * time.Second)
	for !s.ClientConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.ClientConnected() {
		t.Fatal("client never registered")
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/cdp/browser"
	_, httpResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected second dial to be refused")
	}
	if httpResp == nil || httpResp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %+v", httpResp)
	}

	// Disconnecting frees the slot for a new client.
	ws.Close()
	deadline = time.Now().Add(2 * time.Second)
	for s.ClientConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.ClientConnected() {
		t.Fatal("client slot never freed")
	}
	dialCDP(t, ts, "/cdp/browser")
}

func TestJSONVersion(t *testing.T) {
	_, _, ts := newTestServer(t, 0)

	resp, err := http.Get(ts.URL + "/json/version")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload["webSocketDebuggerUrl"] == "" {
		t.Error("expected webSocketDebuggerUrl")
	}
	if payload["Browser"] == "" {
		t.Error("expected Browser product")
	}
}

func TestJSONList(t *testing.T) {
	_, _, ts := newTestServer(t, 2)

	resp, err := http.Get(ts.URL + "/json/list")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var list []map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	for _, entry := range list {
		if entry["id"] == "" || entry["webSocketDebuggerUrl"] == "" {
			t.Errorf("incomplete entry: %v", entry)
		}
		if entry["type"] != "page" {
			t.Errorf("expected type page, got %s", entry["type"])
		}
	}
}

func TestJSONClose(t *testing.T) {
	_, m, ts := newTestServer(t, 1)

	v, err := m.GetView("")
	if err != nil {
		t.Fatalf("GetView failed: %v", err)
	}

	resp, err := http.Get(ts.URL + "/json/close/" + v.TargetID())
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if m.ViewCount() != 0 {
		t.Errorf("expected view closed, have %d", m.ViewCount())
	}

	resp, err = http.Get(ts.URL + "/json/close/nonexistent")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	_, _, ts := newTestServer(t, 1)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var status struct {
		Connected bool `json:"connected"`
		Targets   int  `json:"targets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if status.Connected {
		t.Error("expected no client connected")
	}
	if status.Targets != 1 {
		t.Errorf("expected 1 target, got %d", status.Targets)
	}
}

func TestCheckAuthRemote(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	handler := s.Handler()

	// Non-loopback without token → 401.
	req := httptest.NewRequest("GET", "/json/version", nil)
	req.RemoteAddr = "203.0.113.5:4444"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rr.Code)
	}

	// Non-loopback with the right token → 200.
	req = httptest.NewRequest("GET", "/json/version", nil)
	req.RemoteAddr = "203.0.113.5:4444"
	req.Header.Set(AuthHeader, "secret")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", rr.Code)
	}

	// Loopback with a wrong token → 401.
	req = httptest.NewRequest("GET", "/json/version", nil)
	req.RemoteAddr = "127.0.0.1:4444"
	req.Header.Set(AuthHeader, "wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", rr.Code)
	}

	// The CDP socket refuses non-loopback peers outright.
	req = httptest.NewRequest("GET", "/cdp/browser", nil)
	req.RemoteAddr = "203.0.113.5:4444"
	req.Header.Set(AuthHeader, "secret")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for remote cdp access, got %d", rr.Code)
	}
}

func TestGeneratedAuthToken(t *testing.T) {
	m := hostview.NewManager(nil)
	defer m.Shutdown()

	s, err := New(m, Options{Host: "127.0.0.1", Port: 9221})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Stop()
	if s.AuthToken() == "" {
		t.Error("expected a generated auth token")
	}
}

func TestIsLoopbackIP(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.1.2.3", true},
		{"::1", true},
		{"::ffff:127.0.0.1", true},
		{"192.168.1.1", false},
		{"203.0.113.5", false},
		{"", false},
	}
	for _, c := range cases {
		if got := isLoopbackIP(c.ip); got != c.want {
			t.Errorf("isLoopbackIP(%q) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestIsLoopbackHost(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"example.com", false},
	}
	for _, c := range cases {
		if got := isLoopbackHost(c.host); got != c.want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}
