package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/app/orch"
	"github.com/dkeye/meetsfu/internal/config"
	"github.com/dkeye/meetsfu/internal/core"
	"github.com/dkeye/meetsfu/internal/domain"
)

var ErrConnClosed = errors.New("connection closed")

type SignalWSController struct {
	Orch    *orch.Orchestrator
	cfg     config.Signal
	limiter *RateLimiter

	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, cfg config.Signal) *SignalWSController {
	return &SignalWSController{
		Orch:    o,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: []string{SubprotocolMsgpack},
		},
	}
}

// WsSignalConn is one signaling socket. Writes only happen on its write pump.
type WsSignalConn struct {
	id    domain.ConnID
	token string
	conn  *websocket.Conn
	codec Codec
	send  chan []byte

	done chan struct{}
	once sync.Once
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

// Push queues a server event. It never blocks: a full queue is reported as
// core.ErrBackpressure and left to the caller's policy.
func (c *WsSignalConn) Push(event string, payload any) error {
	return c.enqueue(Reply{Type: event, Data: payload})
}

func (c *WsSignalConn) enqueue(r Reply) error {
	b, err := c.codec.Encode(r)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return core.ErrBackpressure
	}
}

func (c *WsSignalConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// HandleSignal upgrades the request and serves the socket until either side
// closes it or ctx ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		id:    domain.ConnID(uuid.NewString()),
		token: token,
		conn:  ws,
		codec: codecFor(ws.Subprotocol()),
		send:  make(chan []byte, ctl.cfg.SendBuffer),
		done:  make(chan struct{}),
	}
	log.Info().
		Str("module", "signal").
		Str("sid", string(conn.id)).
		Str("client", token).
		Str("codec", conn.codec.Name()).
		Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, conn)
}
