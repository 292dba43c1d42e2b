package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vesaa/plantwatch/internal/reducer"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is already served with a wildcard CORS policy and the
	// stream is JWT protected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket and forwards every reducer Update
// of the user's view as one JSON text message. The stream keeps the view
// alive while it is connected.
//
//	GET /api/plants/:plantId/stream?token=<jwt>
func (s *Server) handleStream(c *gin.Context) {
	r, release, err := s.attachView(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("stream upgrade failed")
		return
	}

	updates, cancel := r.Subscribe()
	log := s.log.With().Str("plant_id", r.PlantID()).Str("remote", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("stream opened")

	go readPump(conn, cancel, log)
	writePump(conn, updates, log)
	cancel()
}

// readPump only watches for the peer going away; clients send nothing.
func readPump(conn *websocket.Conn, done func(), log zerolog.Logger) {
	defer done()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("stream read")
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, updates <-chan reducer.Update, log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		log.Debug().Msg("stream closed")
	}()

	for {
		select {
		case u, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "view closed"))
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				log.Error().Err(err).Msg("encoding update")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
