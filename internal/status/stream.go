package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/botanical/plant-controller/internal/snapshot"
)

// MessageType defines the type of a stream message
type MessageType string

const MsgTypeSnapshot MessageType = "snapshot"

// Message is a WebSocket stream message
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newSnapshotMessage(snap snapshot.Snapshot) (*Message, error) {
	payload, err := json.Marshal(snapshot.Payload(snap))
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      MsgTypeSnapshot,
		ID:        uuid.New().String(),
		Timestamp: snap.TakenAt.UTC().Format(time.RFC3339),
		Payload:   payload,
	}, nil
}

// stream upgrades to a WebSocket and sends every new snapshot until the
// client goes away
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.snapshots.Subscribe()
	defer unsubscribe()

	log := s.log.With().Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("stream client connected")

	// Read loop: only control frames are expected; it ends when the peer closes
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Msg("stream read error")
				}
				return
			}
		}
	}()

	send := func(snap snapshot.Snapshot) bool {
		msg, err := newSnapshotMessage(snap)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode snapshot")
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Warn().Err(err).Msg("stream write error")
			return false
		}
		return true
	}

	if snap, ok := s.snapshots.Get(); ok {
		if !send(snap) {
			return
		}
	}

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			log.Info().Msg("stream client disconnected")
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if !send(snap) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
