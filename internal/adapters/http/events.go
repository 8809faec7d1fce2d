package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/config"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventStream relays a participant's notification channel to a websocket.
type eventStream struct {
	ctx        context.Context
	events     Events
	readLimit  int64
	pingPeriod time.Duration
}

func newEventStream(ctx context.Context, events Events, cfg config.ServerConfig) *eventStream {
	s := &eventStream{ctx: ctx, events: events, readLimit: cfg.ReadLimit, pingPeriod: cfg.PingPeriod}
	if s.readLimit <= 0 {
		s.readLimit = 32768
	}
	if s.pingPeriod <= 0 {
		s.pingPeriod = 54 * time.Second
	}
	return s
}

func (s *eventStream) serve(c *gin.Context) {
	rid, uid := roomID(c), caller(c)
	ctx, cancel := context.WithCancel(s.ctx)

	sub, err := s.events.Subscribe(ctx, rid, uid)
	if err != nil {
		cancel()
		writeError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		_ = sub.Close()
		log.Warn().Err(err).Str("module", "adapters.http").Str("room", string(rid)).Msg("ws upgrade failed")
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(rid)).Str("user", string(uid)).Msg("event stream opened")

	go s.readPump(cancel, conn, rid, uid)
	s.writePump(ctx, conn, sub, rid, uid)

	cancel()
	_ = sub.Close()
	_ = conn.Close()
	log.Info().Str("module", "adapters.http").Str("room", string(rid)).Str("user", string(uid)).Msg("event stream closed")
}

// readPump only watches for the peer going away and answers pongs.
func (s *eventStream) readPump(cancel context.CancelFunc, conn *websocket.Conn, rid domain.RoomID, uid domain.UserID) {
	defer cancel()
	conn.SetReadLimit(s.readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.pingPeriod * 10 / 9))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pingPeriod * 10 / 9))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Str("room", string(rid)).Str("user", string(uid)).Msg("readPump done")
			return
		}
	}
}

func (s *eventStream) writePump(ctx context.Context, conn *websocket.Conn, sub core.Subscription, rid domain.RoomID, uid domain.UserID) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data, ok := <-sub.Messages():
			if !ok {
				log.Warn().Str("module", "adapters.http").Str("room", string(rid)).Str("user", string(uid)).Msg("subscription closed")
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Str("room", string(rid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
