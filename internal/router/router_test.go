package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/link"
	"github.com/tubesync/tubesync/internal/logging"
	"github.com/tubesync/tubesync/internal/metrics"
)

const waitFor = 5 * time.Second

func testConfig() Config {
	return Config{
		ResolveTimeout: 2 * time.Second,
		AuthTimeout:    2 * time.Second,
		InitTimeout:    2 * time.Second,
		ReconnectMin:   20 * time.Millisecond,
		ReconnectMax:   100 * time.Millisecond,
		SendTimeout:    time.Second,
	}
}

type testRouter struct {
	*Router
	metrics *metrics.RouterMetrics
	base    string
	http    string
}

func newTestRouter(t *testing.T, cfg Config) *testRouter {
	t.Helper()
	m := metrics.NewRouterMetricsWithRegistry(prometheus.NewRegistry())
	r := New(cfg, Deps{Metrics: m, Logger: logging.Nop()})
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Shutdown(ctx)
		srv.Close()
	})
	return &testRouter{
		Router:  r,
		metrics: m,
		base:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		http:    srv.URL,
	}
}

func (tr *testRouter) waitLinks(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.WorkerLinks() == n }, waitFor, 10*time.Millisecond)
}

// fakeWorker accepts router links and lets a test script the worker side.
type fakeWorker struct {
	id    envelope.WorkerID
	srv   *httptest.Server
	links chan *fakeLink
}

type fakeLink struct {
	conn *link.Conn
	msgs chan envelope.B2M
}

func newFakeWorker(t *testing.T, id envelope.WorkerID, sendInit bool) *fakeWorker {
	t.Helper()
	f := &fakeWorker{id: id, links: make(chan *fakeLink, 8)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := link.Accept(w, r, link.Config{}, logging.Nop())
		if err != nil {
			return
		}
		if sendInit {
			_ = conn.SendM2B(context.Background(), envelope.Init{Port: 3002, ID: id})
		}
		fl := &fakeLink{conn: conn, msgs: make(chan envelope.B2M, 64)}
		go func() {
			defer close(fl.msgs)
			for {
				msg, err := conn.RecvB2M()
				if err != nil {
					var malformed *envelope.MalformedEnvelopeError
					if errors.As(err, &malformed) {
						continue
					}
					return
				}
				fl.msgs <- msg
			}
		}()
		f.links <- fl
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeWorker) addr() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeWorker) accept(t *testing.T) *fakeLink {
	t.Helper()
	select {
	case fl := <-f.links:
		t.Cleanup(func() { _ = fl.conn.Close(1000, "") })
		return fl
	case <-time.After(waitFor):
		t.Fatalf("router never connected to %s", f.id)
		return nil
	}
}

func (fl *fakeLink) send(t *testing.T, msg envelope.M2B) {
	t.Helper()
	require.NoError(t, fl.conn.SendM2B(context.Background(), msg))
}

func expectB2M[T envelope.B2M](t *testing.T, fl *fakeLink) T {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg, ok := <-fl.msgs:
			if !ok {
				var zero T
				t.Fatalf("link closed while waiting for %T", zero)
				return zero
			}
			if m, ok := msg.(T); ok {
				return m
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func assertNoB2M[T envelope.B2M](t *testing.T, fl *fakeLink, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case msg, ok := <-fl.msgs:
			if !ok {
				return
			}
			if _, ok := msg.(T); ok {
				t.Fatalf("unexpected %T: %+v", msg, msg)
			}
		case <-deadline:
			return
		}
	}
}

// testClient is a browser-side connection to the router.
type testClient struct {
	conn   *link.Conn
	frames chan map[string]any
}

func dialRaw(t *testing.T, url string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := link.Dial(ctx, url, link.Config{}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(1000, "") })

	c := &testClient{conn: conn, frames: make(chan map[string]any, 64)}
	go func() {
		defer close(c.frames)
		for {
			data, err := conn.Read()
			if err != nil {
				return
			}
			var body map[string]any
			if json.Unmarshal(data, &body) == nil {
				c.frames <- body
			}
		}
	}()
	return c
}

func (tr *testRouter) connect(t *testing.T, room string) *testClient {
	t.Helper()
	c := dialRaw(t, tr.base+"/api/room/"+room)
	c.sendRaw(t, `{"action":"auth","token":"tok"}`)
	return c
}

func (c *testClient) sendRaw(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, c.conn.Send(context.Background(), []byte(frame)))
}

func (c *testClient) expectAction(t *testing.T, action string) map[string]any {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case body, ok := <-c.frames:
			if !ok {
				t.Fatalf("client closed while waiting for %q: %v", action, c.conn.Err())
				return nil
			}
			if body["action"] == action {
				return body
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", action)
			return nil
		}
	}
}

// expectClosed drains frames until the router closes the client and
// returns the close code.
func (c *testClient) expectClosed(t *testing.T) uint16 {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				code, _ := link.CloseCode(c.conn.Err())
				return code
			}
		case <-deadline:
			t.Fatal("client was not closed")
			return 0
		}
	}
}

// bindClient connects a client to room through fl, answering the load with
// the given epoch, and returns the join the worker saw.
func bindClient(t *testing.T, tr *testRouter, fl *fakeLink, id envelope.WorkerID, room string, ep envelope.Epoch) (*testClient, envelope.Join) {
	t.Helper()
	c := tr.connect(t, room)
	load := expectB2M[envelope.Load](t, fl)
	require.Equal(t, envelope.RoomName(room), load.Room)
	fl.send(t, envelope.Loaded{
		Room:      envelope.RoomMetadata{Name: load.Room, Visibility: envelope.VisibilityPublic},
		LoadEpoch: ep,
	})
	join := expectB2M[envelope.Join](t, fl)
	require.Equal(t, envelope.RoomName(room), join.Room)
	return c, join
}

func TestRoomFromPath(t *testing.T) {
	tests := []struct {
		path string
		want envelope.RoomName
		ok   bool
	}{
		{"/api/room/abc", "abc", true},
		{"/api/room/ABC", "abc", true},
		{"/api/room/", "", false},
		{"/api/room/a/b", "", false},
		{"/api/other/abc", "", false},
		{"/api/room/" + strings.Repeat("x", maxRoomNameLen+1), "", false},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			got, ok := roomFromPath(tc.path)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCloseCodes(t *testing.T) {
	assert.Equal(t, envelope.CodeRoomNotFound, CloseCode(&RoomNotFoundError{Room: "abc"}))
	assert.Equal(t, envelope.CodeRoomUnloaded, CloseCode(&RoomUnloadedError{Room: "abc"}))
	assert.Equal(t, envelope.CodeWorkerUnavailable, CloseCode(&WorkerUnavailableError{}))
	assert.Equal(t, envelope.CodeUnknown, CloseCode(errors.New("boom")))
	assert.Equal(t, "router: no workers available", (&WorkerUnavailableError{}).Error())
}

func TestResolveAndForward(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	c, join := bindClient(t, tr, fl, "w1", "abc", 7)
	assert.Equal(t, "tok", join.Token)

	entry, ok := tr.Directory().Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, envelope.WorkerID("w1"), entry.Worker)
	assert.Equal(t, envelope.Epoch(7), entry.Epoch)

	c.sendRaw(t, `{"action":"chat","text":"hi"}`)
	msg := expectB2M[envelope.ClientMsg](t, fl)
	assert.Equal(t, join.Client, msg.ClientID)
	assert.JSONEq(t, `{"action":"chat","text":"hi"}`, string(msg.Payload))

	// Non-JSON frames never reach the worker.
	c.sendRaw(t, `not json`)
	assertNoB2M[envelope.ClientMsg](t, fl, 100*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(tr.metrics.ResolveTotal.WithLabelValues(metrics.ResolveLoaded)))
	assert.Equal(t, float64(1), testutil.ToFloat64(tr.metrics.ClientsActive))
}

func TestCachedResolveSkipsLoad(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	bindClient(t, tr, fl, "w1", "abc", 1)

	tr.connect(t, "abc")
	expectB2M[envelope.Join](t, fl)
	assert.Equal(t, float64(1), testutil.ToFloat64(tr.metrics.ResolveTotal.WithLabelValues(metrics.ResolveCached)))
}

func TestRoomMessageDemux(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	c1, j1 := bindClient(t, tr, fl, "w1", "abc", 1)
	c2 := tr.connect(t, "abc")
	j2 := expectB2M[envelope.Join](t, fl)
	other, _ := bindClient(t, tr, fl, "w1", "xyz", 1)

	fl.send(t, envelope.RoomMsg{Room: "abc", ClientID: j2.Client, Payload: json.RawMessage(`{"action":"only-c2"}`)})
	fl.send(t, envelope.RoomMsg{Room: "abc", Payload: json.RawMessage(`{"action":"everyone"}`)})

	c1.expectAction(t, "everyone")
	c2.expectAction(t, "only-c2")
	c2.expectAction(t, "everyone")

	fl.send(t, envelope.RoomMsg{Room: "xyz", Payload: json.RawMessage(`{"action":"xyz-only"}`)})
	other.expectAction(t, "xyz-only")

	select {
	case body := <-c1.frames:
		assert.NotEqual(t, "only-c2", body["action"])
		assert.NotEqual(t, "xyz-only", body["action"])
	case <-time.After(100 * time.Millisecond):
	}
	_ = j1
}

func TestKickClosesClient(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	c, join := bindClient(t, tr, fl, "w1", "abc", 1)
	fl.send(t, envelope.Kick{ClientID: join.Client, Reason: envelope.CodeInvalidToken})
	assert.Equal(t, envelope.CodeInvalidToken, c.expectClosed(t))

	// The worker removes a kicked member itself, so no leave follows.
	assertNoB2M[envelope.Leave](t, fl, 100*time.Millisecond)
}

func TestDisconnectSendsLeave(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	c, join := bindClient(t, tr, fl, "w1", "abc", 1)
	require.NoError(t, c.conn.Close(1000, "bye"))

	leave := expectB2M[envelope.Leave](t, fl)
	assert.Equal(t, join.Client, leave.Client)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tr.metrics.ClientsActive) == 0
	}, waitFor, 10*time.Millisecond)
}

func TestDisconnectDuringResolveNeverJoins(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	c := tr.connect(t, "abc")
	expectB2M[envelope.Load](t, fl)
	require.NoError(t, c.conn.Close(1000, "bye"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tr.metrics.ClientsActive) == 0
	}, waitFor, 10*time.Millisecond)

	fl.send(t, envelope.Loaded{Room: envelope.RoomMetadata{Name: "abc"}, LoadEpoch: 1})
	assertNoB2M[envelope.Join](t, fl, 200*time.Millisecond)
}

func TestJoinInFlight(t *testing.T) {
	sendErr := errors.New("link closed")

	t.Run("binding is visible while the join is sent", func(t *testing.T) {
		s := &session{}
		require.True(t, s.beginJoin("w1"))
		assert.Equal(t, envelope.WorkerID("w1"), s.boundTo())
		assert.False(t, s.beginJoin("w2"))
		assert.False(t, s.endJoin("w1", nil))
		assert.Equal(t, envelope.WorkerID("w1"), s.boundTo())
	})

	t.Run("disconnect hands the leave to the joiner", func(t *testing.T) {
		s := &session{}
		require.True(t, s.beginJoin("w1"))
		worker, _ := s.markClosed()
		assert.Empty(t, worker)
		assert.True(t, s.endJoin("w1", nil))
	})

	t.Run("undelivered join needs no leave", func(t *testing.T) {
		s := &session{}
		require.True(t, s.beginJoin("w1"))
		worker, _ := s.markClosed()
		assert.Empty(t, worker)
		assert.False(t, s.endJoin("w1", sendErr))
	})

	t.Run("failed send unbinds", func(t *testing.T) {
		s := &session{}
		require.True(t, s.beginJoin("w1"))
		assert.False(t, s.endJoin("w1", sendErr))
		assert.Empty(t, s.boundTo())
		worker, _ := s.markClosed()
		assert.Empty(t, worker)
	})

	t.Run("kick during join leaves nothing owed", func(t *testing.T) {
		s := &session{}
		require.True(t, s.beginJoin("w1"))
		assert.True(t, s.detach("w1"))
		worker, _ := s.markClosed()
		assert.Empty(t, worker)
		assert.False(t, s.endJoin("w1", nil))
	})

	t.Run("closed session never joins", func(t *testing.T) {
		s := &session{}
		s.markClosed()
		assert.False(t, s.beginJoin("w1"))
	})
}

func TestUnloadedRebindsClient(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	c, join := bindClient(t, tr, fl, "w1", "abc", 1)
	fl.send(t, envelope.Unloaded{Name: "abc"})

	frame := c.expectAction(t, "error")
	detail := frame["error"].(map[string]any)
	assert.Equal(t, float64(envelope.CodeRoomUnloaded), detail["code"])
	assert.Equal(t, "RoomUnloadedError", detail["name"])
	assert.Equal(t, true, detail["recoverable"])

	expectB2M[envelope.Load](t, fl)
	fl.send(t, envelope.Loaded{Room: envelope.RoomMetadata{Name: "abc"}, LoadEpoch: 2})
	rejoin := expectB2M[envelope.Join](t, fl)
	assert.Equal(t, join.Client, rejoin.Client)
	assert.Equal(t, float64(1), testutil.ToFloat64(tr.metrics.RebindsTotal))
}

func TestUnknownRoomTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.ResolveTimeout = 200 * time.Millisecond
	tr := newTestRouter(t, cfg)
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	c := tr.connect(t, "ghost")
	expectB2M[envelope.Load](t, fl)
	assert.Equal(t, envelope.CodeRoomNotFound, c.expectClosed(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(tr.metrics.ResolveTotal.WithLabelValues(metrics.ResolveTimeout)))
}

func TestNoWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.ResolveTimeout = 100 * time.Millisecond
	tr := newTestRouter(t, cfg)

	c := tr.connect(t, "abc")
	assert.Equal(t, envelope.CodeWorkerUnavailable, c.expectClosed(t))
}

func TestHandshakeFailures(t *testing.T) {
	cfg := testConfig()
	cfg.AuthTimeout = 100 * time.Millisecond
	tr := newTestRouter(t, cfg)

	t.Run("invalid url", func(t *testing.T) {
		c := dialRaw(t, tr.base+"/api/room/")
		assert.Equal(t, envelope.CodeInvalidURL, c.expectClosed(t))
	})
	t.Run("wrong first frame", func(t *testing.T) {
		c := dialRaw(t, tr.base+"/api/room/abc")
		c.sendRaw(t, `{"action":"chat"}`)
		assert.Equal(t, envelope.CodeMissingAuth, c.expectClosed(t))
	})
	t.Run("auth timeout", func(t *testing.T) {
		c := dialRaw(t, tr.base+"/api/room/abc")
		assert.Equal(t, envelope.CodeMissingAuth, c.expectClosed(t))
	})
}

func TestInitRequired(t *testing.T) {
	cfg := testConfig()
	cfg.InitTimeout = 100 * time.Millisecond
	tr := newTestRouter(t, cfg)
	f := newFakeWorker(t, "w1", false)
	tr.SetWorkers([]string{f.addr()})

	fl := f.accept(t)
	for range fl.msgs {
	}
	code, _ := link.CloseCode(fl.conn.Err())
	assert.Equal(t, envelope.CodeUnknown, code)
	assert.Equal(t, 0, tr.WorkerLinks())
}

func TestMalformedEnvelopeKeepsLink(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	require.NoError(t, fl.conn.Send(context.Background(), []byte(`{"type":"bogus","payload":{}}`)))
	bindClient(t, tr, fl, "w1", "abc", 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(tr.metrics.MalformedTotal))
}

// Two workers claim the same room; the higher epoch wins wherever the
// claims arrive first and the loser is told to unload.
func TestConflictingClaimsConverge(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f1 := newFakeWorker(t, "w1", true)
	f2 := newFakeWorker(t, "w2", true)
	tr.SetWorkers([]string{f1.addr(), f2.addr()})
	l1 := f1.accept(t)
	l2 := f2.accept(t)
	tr.waitLinks(t, 2)

	c := tr.connect(t, "abc")
	expectB2M[envelope.Load](t, l1)
	expectB2M[envelope.Load](t, l2)

	l1.send(t, envelope.Loaded{Room: envelope.RoomMetadata{Name: "abc"}, LoadEpoch: 7})
	j1 := expectB2M[envelope.Join](t, l1)

	l2.send(t, envelope.Loaded{Room: envelope.RoomMetadata{Name: "abc"}, LoadEpoch: 8})
	assert.Equal(t, envelope.Unload{Room: "abc"}, expectB2M[envelope.Unload](t, l1))
	j2 := expectB2M[envelope.Join](t, l2)
	assert.Equal(t, j1.Client, j2.Client)
	c.expectAction(t, "error")

	// A late gossip from the loser is stale and gets another unload.
	l1.send(t, envelope.Gossip{Rooms: []envelope.GossipRoom{{Room: envelope.RoomMetadata{Name: "abc"}, LoadEpoch: 7}}})
	expectB2M[envelope.Unload](t, l1)

	entry, ok := tr.Directory().Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, envelope.WorkerID("w2"), entry.Worker)
	assert.Equal(t, envelope.Epoch(8), entry.Epoch)
}

func TestStaleClaimFirstArrivalOrder(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f1 := newFakeWorker(t, "w1", true)
	f2 := newFakeWorker(t, "w2", true)
	tr.SetWorkers([]string{f1.addr(), f2.addr()})
	l1 := f1.accept(t)
	l2 := f2.accept(t)
	tr.waitLinks(t, 2)

	l2.send(t, envelope.Loaded{Room: envelope.RoomMetadata{Name: "abc"}, LoadEpoch: 8})
	require.Eventually(t, func() bool { return tr.Directory().Len() == 1 }, waitFor, 10*time.Millisecond)
	l1.send(t, envelope.Loaded{Room: envelope.RoomMetadata{Name: "abc"}, LoadEpoch: 7})
	expectB2M[envelope.Unload](t, l1)

	entry, _ := tr.Directory().Lookup("abc")
	assert.Equal(t, envelope.WorkerID("w2"), entry.Worker)
	assert.Equal(t, float64(1), testutil.ToFloat64(tr.metrics.MergesTotal.WithLabelValues("stale")))
}

func TestGossipRemovalRebinds(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	c, _ := bindClient(t, tr, fl, "w1", "abc", 3)
	fl.send(t, envelope.Gossip{Rooms: []envelope.GossipRoom{}})

	c.expectAction(t, "error")
	expectB2M[envelope.Load](t, fl)
	_, ok := tr.Directory().Lookup("abc")
	assert.False(t, ok)
}

func TestWorkerRemovalRebindsToSurvivor(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f1 := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f1.addr()})
	l1 := f1.accept(t)
	tr.waitLinks(t, 1)
	c, join := bindClient(t, tr, l1, "w1", "abc", 7)

	f2 := newFakeWorker(t, "w2", true)
	tr.SetWorkers([]string{f1.addr(), f2.addr()})
	l2 := f2.accept(t)
	tr.waitLinks(t, 2)

	tr.SetWorkers([]string{f2.addr()})
	frame := c.expectAction(t, "error")
	assert.Equal(t, "WorkerUnavailableError", frame["error"].(map[string]any)["name"])

	expectB2M[envelope.Load](t, l2)
	l2.send(t, envelope.Loaded{Room: envelope.RoomMetadata{Name: "abc"}, LoadEpoch: 8})
	rejoin := expectB2M[envelope.Join](t, l2)
	assert.Equal(t, join.Client, rejoin.Client)
}

func TestHTTPAPI(t *testing.T) {
	tr := newTestRouter(t, testConfig())
	f := newFakeWorker(t, "w1", true)
	tr.SetWorkers([]string{f.addr()})
	fl := f.accept(t)
	tr.waitLinks(t, 1)

	fl.send(t, envelope.Gossip{Rooms: []envelope.GossipRoom{
		{Room: envelope.RoomMetadata{Name: "quiet", Visibility: envelope.VisibilityPublic, Users: 1}, LoadEpoch: 1},
		{Room: envelope.RoomMetadata{Name: "busy", Visibility: envelope.VisibilityPublic, Users: 9}, LoadEpoch: 1},
		{Room: envelope.RoomMetadata{Name: "secret", Visibility: envelope.VisibilityPrivate, Users: 50}, LoadEpoch: 1},
	}})
	require.Eventually(t, func() bool { return tr.Directory().Len() == 3 }, waitFor, 10*time.Millisecond)

	var rooms []envelope.RoomMetadata
	getJSON(t, tr.http+"/api/room/list", &rooms)
	require.Len(t, rooms, 2)
	assert.Equal(t, envelope.RoomName("busy"), rooms[0].Name)
	assert.Equal(t, envelope.RoomName("quiet"), rooms[1].Name)

	var st Status
	getJSON(t, tr.http+"/api/status", &st)
	assert.Equal(t, 3, st.Rooms)
	require.Len(t, st.Workers, 1)
	assert.Equal(t, envelope.WorkerID("w1"), st.Workers[0].ID)
	assert.Equal(t, 3, st.Workers[0].Rooms)

	var state []StateEntry
	getJSON(t, tr.http+"/api/state", &state)
	require.Len(t, state, 3)
	assert.Equal(t, envelope.RoomName("busy"), state[0].Room)
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
