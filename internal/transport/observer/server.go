package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"procarray.ai/internal/logger"
	"procarray.ai/internal/observerproto"
)

// CommandSink accepts operator commands for the tick loop.
type CommandSink interface {
	Submit(cmd observerproto.CommandMsg) error
}

type Server struct {
	hub  *Hub
	info func() observerproto.BootstrapResponse
	cmds CommandSink
	log  logger.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

// NewServer serves observers of hub. cmds may be nil, in which case COMMAND
// messages are refused.
func NewServer(hub *Hub, info func() observerproto.BootstrapResponse, cmds CommandSink, log logger.Logger) *Server {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Server{
		hub:  hub,
		info: info,
		cmds: cmds,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only, see below
		},
	}
}

// Handler routes /observer/bootstrap and /observer/ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/observer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/observer/ws", s.WSHandler())
	return mux
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := s.info()
		resp.ProtocolVersion = observerproto.Version
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.serveSession(conn, r.RemoteAddr)
	}
}

// serveSession runs one observer connection. The first message must be a
// SUBSCRIBE; the session then lasts until either side fails.
func (s *Server) serveSession(conn *websocket.Conn, remote string) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	sub, ok := decodeSubscribe(msg)
	if !ok {
		closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
		return
	}

	sid := fmt.Sprintf("O%d", s.nextID.Add(1))
	out := s.hub.join(sid, sub, 64)
	s.log.Debugf("observer %s joined from %s", sid, remote)

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeLoop(conn, out, done)
	}()

	s.readLoop(conn, sid)

	close(done)
	s.hub.leave(sid)
	s.log.Debugf("observer %s left", sid)
	closeWith(conn, websocket.CloseNormalClosure, "bye")
	select {
	case <-writerDone:
	case <-time.After(500 * time.Millisecond):
	}
}

func writeLoop(conn *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case b, ok := <-out:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

// readLoop handles SUBSCRIBE updates and COMMANDs until the connection fails.
func (s *Server) readLoop(conn *websocket.Conn, sid string) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if sub, ok := decodeSubscribe(msg); ok {
			s.hub.update(sid, sub)
			continue
		}
		var cmd observerproto.CommandMsg
		if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Type != observerproto.TypeCommand {
			continue
		}
		ack := observerproto.AckMsg{Type: observerproto.TypeAck, ProtocolVersion: observerproto.Version, ID: cmd.ID, OK: true}
		if err := s.submit(cmd); err != nil {
			ack.OK = false
			ack.Error = err.Error()
		}
		if b, err := json.Marshal(ack); err == nil {
			s.hub.send(sid, b)
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

var errNoCommands = errors.New("commands disabled")

func (s *Server) submit(cmd observerproto.CommandMsg) error {
	if cmd.ProtocolVersion != observerproto.Version {
		return fmt.Errorf("bad protocol_version %q", cmd.ProtocolVersion)
	}
	if s.cmds == nil {
		return errNoCommands
	}
	return s.cmds.Submit(cmd)
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
}

// ListenAndServe serves h on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
