package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/companionlab/companion/internal/transcript"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// viewerReport is a viewport measurement sent by a viewer. "scroll" follows a
// user scroll; "rendered" follows layout of newly appended lines.
type viewerReport struct {
	Type     string              `json:"type"`
	Viewport transcript.Viewport `json:"viewport"`
}

func registerWSRoute(mux *http.ServeMux, hub *Hub) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("ws upgrade failed", "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		follower := transcript.NewFollower()
		done := make(chan struct{})
		go readViewerReports(conn, follower, done)

		connectionEvent := ConnectionEvent{
			Event:     newEvent(EventConnection, time.Now().UTC()),
			Connected: true,
		}
		if payload, err := json.Marshal(connectionEvent); err == nil {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}

		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, withAutoscroll(msg, follower)); err != nil {
					return
				}
			}
		}
	})
}

func readViewerReports(conn *websocket.Conn, follower *transcript.Follower, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ws read ended", "error", err)
			}
			return
		}

		var report viewerReport
		if err := json.Unmarshal(data, &report); err != nil {
			slog.Debug("ignoring malformed viewer report", "error", err)
			continue
		}
		switch report.Type {
		case "scroll":
			follower.Scrolled(report.Viewport)
		case "rendered":
			follower.Settle(report.Viewport)
		}
	}
}

// withAutoscroll adds the viewer's follow decision to utterance events.
func withAutoscroll(msg []byte, follower *transcript.Follower) []byte {
	if gjson.GetBytes(msg, "type").String() != EventUtterance {
		return msg
	}
	out, err := sjson.SetBytes(msg, "autoscroll", follower.Decide())
	if err != nil {
		slog.Warn("autoscroll injection failed", "error", err)
		return msg
	}
	return out
}
