package server

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/paulhankin/grblplot/job"
)

// Watch message types.
const (
	MsgTypeStatus = "status"
	MsgTypeError  = "error"
)

// WatchMessage is sent to websocket watchers of a job.
type WatchMessage struct {
	Type      string        `json:"type"`
	Job       *job.Snapshot `json:"job,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// handleWatch streams a job's status over a websocket: the current state
// at once, then every change, until the job finishes or the client goes
// away.
func (s *Server) handleWatch(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.jobs.Status(id); !ok {
		return NewNotFoundError("job", id)
	}
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	log := s.log.WithPrefix("watch " + id[:min(8, len(id))])
	log.Debug("client connected")

	// the client only ever closes; reading notices that.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("read: %v", err)
				}
				return
			}
		}
	}()

	tick := time.NewTicker(s.opt.WatchInterval)
	defer tick.Stop()
	var last []byte
	for {
		snap, ok := s.jobs.Status(id)
		if !ok {
			s.send(ws, WatchMessage{Type: MsgTypeError, Message: "job cleared"})
			return nil
		}
		b, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if !bytes.Equal(b, last) {
			last = b
			if err := s.send(ws, WatchMessage{Type: MsgTypeStatus, Job: &snap}); err != nil {
				log.Debug("write: %v", err)
				return nil
			}
		}
		if snap.Status.Terminal() {
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.Status)),
				time.Now().Add(time.Second))
			return nil
		}
		select {
		case <-gone:
			log.Debug("client disconnected")
			return nil
		case <-tick.C:
		}
	}
}

func (s *Server) send(ws *websocket.Conn, msg WatchMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteJSON(msg)
}
