package signal

import "context"

// handlePing answers with a "ping" reply; the socket keepalive is separate.
func (ctl *SignalWSController) handlePing(context.Context, *WsSignalConn, *Request) (any, error) {
	return map[string]string{"pong": "ok"}, nil
}
