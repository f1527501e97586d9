package opsfeed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades an HTTP request to a websocket that streams every Event
// broadcast on hub as one JSON line per message, for voxctl to consume.
func Handler(hub *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		events, cancel := hub.Subscribe()
		defer cancel()

		// pingTicker keeps the connection alive across idle stretches
		// between turns with websocket ping control frames, which the
		// client's websocket library answers without passing them on.
		pingTicker := time.NewTicker(30 * time.Second)
		defer pingTicker.Stop()

		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				data, err := e.Marshal()
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
