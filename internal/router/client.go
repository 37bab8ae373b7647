package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/tubesync/tubesync/internal/auth"
	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/link"
	"github.com/tubesync/tubesync/internal/logging"
)

const (
	clientPathPrefix = "/api/room/"
	maxRoomNameLen   = 128

	// maxJoinAttempts bounds how often one rebind retries when the
	// resolved worker disappears before the join is sent.
	maxJoinAttempts = 3
)

// roomFromPath extracts and normalizes the room name of a client URL.
func roomFromPath(path string) (envelope.RoomName, bool) {
	raw, ok := strings.CutPrefix(path, clientPathPrefix)
	if !ok {
		return "", false
	}
	name := envelope.NormalizeRoomName(raw)
	if name == "" || len(name) > maxRoomNameLen || strings.ContainsAny(string(name), "/?# \t") {
		return "", false
	}
	return name, true
}

type authFrame struct {
	Action string `json:"action"`
	Token  string `json:"token"`
}

// session is one authenticated client connection.
type session struct {
	r      *Router
	id     envelope.ClientID
	room   envelope.RoomName
	token  string
	conn   *link.Conn
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wakeCh chan struct{}

	mu        sync.Mutex
	worker    envelope.WorkerID
	closed    bool
	closeCode uint16
	// joining is set while a join to worker is being sent. A client that
	// disconnects meanwhile leaves its leave to the joining goroutine.
	joining        bool
	leaveAfterJoin bool
}

func (r *Router) serveClient(w http.ResponseWriter, req *http.Request) {
	name, valid := roomFromPath(req.URL.Path)

	conn, err := link.Accept(w, req, r.cfg.Link, r.logger)
	if err != nil {
		r.logger.Debugf("client upgrade failed", map[string]any{"remote": req.RemoteAddr, "error": err.Error()})
		return
	}
	if !valid {
		r.metrics.RecordClientClose(envelope.CodeName(envelope.CodeInvalidURL))
		_ = conn.Close(envelope.CodeInvalidURL, "invalid room")
		return
	}

	token, err := r.authenticate(conn)
	if err != nil {
		r.logger.Debugf("client auth failed", map[string]any{"room": string(name), "error": err.Error()})
		r.metrics.RecordClientClose(envelope.CodeName(envelope.CodeMissingAuth))
		_ = conn.Close(envelope.CodeMissingAuth, "missing auth")
		return
	}

	id := envelope.NewClientID()
	ctx, cancel := context.WithCancel(r.ctx)
	s := &session{
		r:      r,
		id:     id,
		room:   name,
		token:  token,
		conn:   conn,
		logger: r.logger.WithSessionID(string(id)).With(map[string]any{"room": string(name)}),
		ctx:    logging.WithSessionIDCtx(ctx, string(id)),
		cancel: cancel,
		wakeCh: make(chan struct{}, 1),
	}
	if !r.addSession(s) {
		cancel()
		_ = conn.Close(1001, "router shutting down")
		return
	}
	r.metrics.ClientConnected()
	s.logger.Debug("client connected")

	r.wg.Add(1)
	go s.bindLoop()
	s.wake()

	s.readLoop()
	s.finish()
}

// authenticate waits for the client's auth frame.
func (r *Router) authenticate(conn *link.Conn) (string, error) {
	timer := r.clock.AfterFunc(r.cfg.AuthTimeout, func() {
		_ = conn.Close(envelope.CodeMissingAuth, "auth timeout")
	})
	defer timer.Stop()

	data, err := conn.Read()
	if err != nil {
		return "", err
	}
	var f authFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Action != "auth" {
		return "", auth.ErrMissingToken
	}
	return f.Token, nil
}

func (s *session) readLoop() {
	for {
		data, err := s.conn.Read()
		if err != nil {
			return
		}
		s.forward(data)
	}
}

// forward relays one client frame to the bound worker. Frames that arrive
// while the client is between workers are dropped.
func (s *session) forward(data []byte) {
	if !json.Valid(data) {
		s.logger.Debug("dropping non-JSON client frame")
		return
	}
	s.mu.Lock()
	worker := s.worker
	s.mu.Unlock()
	if worker == "" {
		s.logger.Debug("dropping frame, client not bound")
		return
	}
	msg := envelope.ClientMsg{ClientID: s.id, Payload: json.RawMessage(data)}
	if err := s.r.sendTo(s.ctx, worker, msg); err != nil {
		s.logger.Debugf("forward failed", map[string]any{"worker": string(worker), "error": err.Error()})
	}
}

// finish runs once the client connection is gone. A client that was bound
// gets a leave, including one whose join raced with the disconnect.
func (s *session) finish() {
	worker, code := s.markClosed()

	s.cancel()
	s.r.removeSession(s)

	if worker != "" {
		s.sendLeave(worker)
	}

	if code == 0 {
		if c, ok := link.CloseCode(s.conn.Err()); ok {
			code = c
		}
	}
	s.r.metrics.ClientDisconnected()
	s.r.metrics.RecordClientClose(envelope.CodeName(code))
	s.logger.Debugf("client disconnected", map[string]any{"code": code})
}

// markClosed stops further binds and returns the worker owed a leave. It
// returns no worker while a join is in flight; bind sends that leave.
func (s *session) markClosed() (envelope.WorkerID, uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	worker := s.worker
	s.worker = ""
	if s.joining {
		s.leaveAfterJoin = worker != ""
		worker = ""
	}
	return worker, s.closeCode
}

func (s *session) sendLeave(worker envelope.WorkerID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.r.cfg.SendTimeout)
	defer cancel()
	if err := s.r.sendTo(ctx, worker, envelope.Leave{Client: s.id}); err != nil {
		s.logger.Debugf("leave send failed", map[string]any{"worker": string(worker), "error": err.Error()})
	}
}

func (s *session) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *session) bindLoop() {
	defer s.r.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wakeCh:
			s.bind()
		}
	}
}

// bind resolves the room and joins it at the owning worker. The binding
// is recorded before the join is sent, so a kick or room message that
// races the send finds it.
func (s *session) bind() {
	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		skip := s.closed || s.worker != ""
		s.mu.Unlock()
		if skip {
			return
		}

		entry, err := s.r.resolve(s.ctx, s.room)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Infof("room resolution failed", map[string]any{"error": err.Error()})
			s.closeWith(CloseCode(err), errorName(err))
			return
		}

		if !s.beginJoin(entry.Worker) {
			return
		}
		err = s.r.sendTo(s.ctx, entry.Worker, envelope.Join{Room: s.room, Client: s.id, Token: s.token})
		if s.endJoin(entry.Worker, err) {
			s.sendLeave(entry.Worker)
			return
		}
		if err == nil {
			s.logger.Debugf("client bound", map[string]any{"worker": string(entry.Worker), "epoch": int64(entry.Epoch)})
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		s.r.dir.RetractFrom(s.room, entry.Worker)
		if attempt >= maxJoinAttempts {
			werr := &WorkerUnavailableError{Worker: entry.Worker}
			s.closeWith(werr.Code(), errorName(werr))
			return
		}
	}
}

// beginJoin binds the session to worker ahead of sending the join.
func (s *session) beginJoin(worker envelope.WorkerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.worker != "" {
		return false
	}
	s.worker = worker
	s.joining = true
	return true
}

// endJoin settles a join sent to worker. A failed send undoes the binding.
// It reports whether the client disconnected after a delivered join, in
// which case the caller owes the worker a leave.
func (s *session) endJoin(worker envelope.WorkerID, sendErr error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	leave := s.leaveAfterJoin
	s.joining = false
	s.leaveAfterJoin = false
	if sendErr != nil {
		if s.worker == worker {
			s.worker = ""
		}
		return false
	}
	return leave
}

// detach clears the binding if it points at worker.
func (s *session) detach(worker envelope.WorkerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.worker == "" || s.worker != worker {
		return false
	}
	s.worker = ""
	return true
}

func (s *session) boundTo() envelope.WorkerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

type errorFrame struct {
	Action string      `json:"action"`
	Error  errorDetail `json:"error"`
}

type errorDetail struct {
	Code        uint16 `json:"code"`
	Name        string `json:"name"`
	Recoverable bool   `json:"recoverable"`
}

// notify tells the client it is being moved to another worker.
func (s *session) notify(cause error) {
	data, err := json.Marshal(errorFrame{
		Action: "error",
		Error:  errorDetail{Code: CloseCode(cause), Name: errorName(cause), Recoverable: true},
	})
	if err != nil {
		return
	}
	s.write(data)
}

// write queues a frame to the client. A client that cannot keep up is
// disconnected.
func (s *session) write(data []byte) {
	if err := s.conn.TrySend(data); err != nil {
		if errors.Is(err, link.ErrSendBufferFull) {
			s.logger.Warn("client not keeping up, closing")
			s.closeWith(envelope.CodeUnknown, "send buffer full")
		}
	}
}

func (s *session) closeWith(code uint16, reason string) {
	s.mu.Lock()
	if s.closeCode == 0 {
		s.closeCode = code
	}
	s.mu.Unlock()
	_ = s.conn.Close(code, reason)
}
