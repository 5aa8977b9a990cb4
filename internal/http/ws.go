package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scalytics/connectd/internal/events"
	. "github.com/scalytics/connectd/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Admin auth already ran; the feed carries no user content.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsEvent is the frame sent to websocket clients.
type wsEvent struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEventsWS bridges the event bus onto a websocket: every activation
// event plus the broadcast notification topics.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("http: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(
		events.ChannelActivationStart+":*",
		events.ChannelActivationProgress+":*",
		events.ChannelActivationDebug+":*",
		events.ChannelActivationComplete+":*",
		events.ChannelActivationError+":*",
		events.TopicActiveModelChanged,
		events.TopicWorkerStatusChanged,
		events.TopicDownloadActivity,
	)
	defer sub.Cancel()

	L_info("http: event feed connected", "remote", r.RemoteAddr)

	// Reader exists only to observe the close handshake.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsEvent{
				Topic: msg.Topic, Payload: msg.Payload, Timestamp: msg.Timestamp,
			}); err != nil {
				L_debug("http: event feed write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerDone:
			L_info("http: event feed disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
			return
		case <-s.shutdownChan:
			return
		}
	}
}
