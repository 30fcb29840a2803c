package httpapi

import (
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// busEvent is one bus publication forwarded over the websocket.
type busEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEvents upgrades the connection and streams bus publications for the
// requested topics. A slow client drops events rather than blocking the
// publisher.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	topics := splitTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "topics query parameter is required", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	events := make(chan busEvent, 64)
	unsubscribes := make([]func(), 0, len(topics))
	for _, topic := range topics {
		topic := topic
		unsubscribes = append(unsubscribes, s.dash.Bus.Subscribe(topic, func(payload any) {
			select {
			case events <- busEvent{Topic: topic, Payload: payload}:
			default:
			}
		}))
	}
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func splitTopics(raw string) []string {
	topics := make([]string, 0, 4)
	for _, topic := range strings.Split(raw, ",") {
		topic = strings.TrimSpace(topic)
		if topic != "" {
			topics = append(topics, topic)
		}
	}
	return topics
}
