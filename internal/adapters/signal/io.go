package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/domain"
)

type handlerFunc func(ctx context.Context, c *WsSignalConn, req *Request) (any, error)

// paramsError wraps failures of these events into data.params.error as well,
// for clients that only look there.
var paramsError = map[string]bool{
	"createWebRtcTransport": true,
	"consume":               true,
}

func (ctl *SignalWSController) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"join":                   ctl.handleJoin,
		"joinRoom":               ctl.handleJoin,
		"getProducers":           ctl.handleGetProducers,
		"createWebRtcTransport":  ctl.handleCreateTransport,
		"transport-connect":      ctl.handleConnect,
		"transport-produce":      ctl.handleProduce,
		"transport-recv-connect": ctl.handleRecvConnect,
		"consume":                ctl.handleConsume,
		"consumer-resume":        ctl.handleResume,
		"consumer-pause":         ctl.handlePause,
		"producer-close":         ctl.handleProducerClose,
		"rename":                 ctl.handleRename,
		"whoami":                 ctl.handleWhoAmI,
		"ping":                   ctl.handlePing,
	}
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(c.id)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(ctl.cfg.WriteWait))
			return
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(c.codec.MessageType(), data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles requests one at a time, so a connection's requests are
// applied in arrival order. Leaving it disconnects the peer.
func (ctl *SignalWSController) readPump(ctx context.Context, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(c.id)).Msg("readPump closing")
		c.Close()
		ctl.Orch.Disconnect(c.id)
	}()

	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	})

	handlers := ctl.handlers()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		ctl.handleSignal(ctx, c, handlers, data)
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, c *WsSignalConn, handlers map[string]handlerFunc, data []byte) {
	req, err := c.codec.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("bad envelope")
		ctl.reply(c, &Request{Type: "error"}, nil, errors.Join(domain.ErrBadRequest, err))
		return
	}
	if !ctl.limiter.Allow(c.token) {
		ctl.reply(c, req, nil, errRateLimited)
		return
	}
	h, ok := handlers[req.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", req.Type).Msg("unknown signal")
		ctl.reply(c, req, nil, errors.Join(domain.ErrBadRequest, errUnknownType))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, ctl.cfg.RequestTimeout)
	defer cancel()
	out, err := h(reqCtx, c, req)
	ctl.reply(c, req, out, err)
}

var (
	errRateLimited = errors.New("rate limited")
	errUnknownType = errors.New("unknown message type")
)

func errorCode(err error) string {
	if errors.Is(err, errRateLimited) {
		return "rate_limited"
	}
	return domain.Code(err)
}

// reply always answers the requester. A reply that cannot be queued means the
// client stopped reading, so the socket is closed.
func (ctl *SignalWSController) reply(c *WsSignalConn, req *Request, out any, err error) {
	r := Reply{Type: req.Type, ID: req.ID, Data: out}
	if err != nil {
		r.Data = nil
		r.Error = &ErrorBody{Code: errorCode(err), Message: err.Error()}
		if paramsError[req.Type] {
			r.Data = map[string]any{"params": map[string]string{"error": err.Error()}}
		}
		log.Info().
			Err(err).
			Str("module", "signal").
			Str("sid", string(c.id)).
			Str("type", req.Type).
			Str("code", r.Error.Code).
			Msg("request failed")
	}
	if qerr := c.enqueue(r); qerr != nil {
		if errors.Is(qerr, ErrConnClosed) {
			return
		}
		log.Warn().Err(qerr).Str("module", "signal").Str("sid", string(c.id)).Msg("reply not delivered, closing")
		c.Close()
	}
}
