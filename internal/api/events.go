package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"xcom-meshd/internal/transport"
)

const (
	pingInterval = 20 * time.Second
	writeTimeout = 10 * time.Second
	eventBacklog = 256
	readLimit    = 4096
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// events streams transport updates as JSON text frames. The first frame is
// a status update so a client never starts blind. A client that falls
// eventBacklog updates behind loses the overflow.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := make(chan transport.Update, eventBacklog)
	unsub := s.t.Subscribe(func(u transport.Update) {
		select {
		case ch <- u:
		default:
		}
	})
	defer unsub()

	// The read side only exists to notice the peer going away.
	gone := make(chan struct{})
	conn.SetReadLimit(readLimit)
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	st := s.t.Status()
	if err := s.write(conn, transport.Update{Type: transport.UpdateStatus, Status: &st}); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case u := <-ch:
			if err := s.write(conn, u); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, u transport.Update) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(u)
}
