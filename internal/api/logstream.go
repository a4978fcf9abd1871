package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jclee-lab/blacklist-sub001/internal/logbuf"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// logHub tracks live log-stream clients. Each client holds its own ring
// buffer subscription; slow clients are dropped, never buffered.
type logHub struct {
	buf      *logbuf.Buffer
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	done  chan struct{}
	once  sync.Once
}

func newLogHub(buf *logbuf.Buffer) *logHub {
	return &logHub{
		buf: buf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
		done:  make(chan struct{}),
	}
}

func (h *logHub) close() {
	h.once.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
	}
	h.conns = make(map[*websocket.Conn]struct{})
}

func (h *logHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *logHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// handleLogStream upgrades to a websocket and pushes ring-buffer entries
// as they arrive, starting with the current buffer contents.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("log stream upgrade failed", "logger", "api", "error", err)
		return
	}
	s.hub.add(conn)

	entries, cancel := s.deps.Logs.Subscribe()
	go s.hub.stream(conn, entries, cancel)

	// Reader loop only services control frames; clients never send data.
	go func() {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *logHub) stream(conn *websocket.Conn, entries <-chan logbuf.Entry, cancel func()) {
	defer func() {
		cancel()
		h.remove(conn)
		conn.Close()
	}()

	// Replay the buffer so a fresh client sees recent context.
	for _, e := range h.buf.Query(0, "") {
		if !h.writeEntry(conn, e) {
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			if !h.writeEntry(conn, e) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *logHub) writeEntry(conn *websocket.Conn, e logbuf.Entry) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(e) == nil
}
