package signal

import (
	"context"
	"errors"

	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

var ack = struct{}{}

func badRequest(err error) error { return errors.Join(domain.ErrBadRequest, err) }

type connectPayload struct {
	DtlsParameters            engine.DtlsParameters `json:"dtlsParameters"`
	IceParameters             *engine.IceParameters `json:"iceParameters,omitempty"`
	IceCandidates             []engine.IceCandidate `json:"iceCandidates,omitempty"`
	ServerConsumerTransportID domain.TransportID    `json:"serverConsumerTransportId,omitempty"`
}

func (p connectPayload) options() engine.ConnectOptions {
	return engine.ConnectOptions{
		DtlsParameters: p.DtlsParameters,
		IceParameters:  p.IceParameters,
		IceCandidates:  p.IceCandidates,
	}
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, c *WsSignalConn, req *Request) (any, error) {
	var p struct {
		Consumer bool `json:"consumer"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, badRequest(err)
	}
	params, err := ctl.Orch.CreateTransport(ctx, c.id, p.Consumer)
	if err != nil {
		return nil, err
	}
	return map[string]any{"params": params}, nil
}

// handleConnect connects the send transport. The payload carries
// dtlsParameters; the pion engine also needs iceParameters and accepts
// iceCandidates, and fails the request without them.
func (ctl *SignalWSController) handleConnect(ctx context.Context, c *WsSignalConn, req *Request) (any, error) {
	var p connectPayload
	if err := req.Bind(&p); err != nil {
		return nil, badRequest(err)
	}
	if err := ctl.Orch.ConnectTransport(ctx, c.id, p.options()); err != nil {
		return nil, err
	}
	return ack, nil
}

func (ctl *SignalWSController) handleRecvConnect(ctx context.Context, c *WsSignalConn, req *Request) (any, error) {
	var p connectPayload
	if err := req.Bind(&p); err != nil {
		return nil, badRequest(err)
	}
	if p.ServerConsumerTransportID == "" {
		return nil, badRequest(errors.New("serverConsumerTransportId is required"))
	}
	if err := ctl.Orch.ConnectRecvTransport(ctx, c.id, p.ServerConsumerTransportID, p.options()); err != nil {
		return nil, err
	}
	return ack, nil
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, c *WsSignalConn, req *Request) (any, error) {
	var p struct {
		Kind          domain.MediaKind     `json:"kind"`
		RtpParameters engine.RtpParameters `json:"rtpParameters"`
		AppData       map[string]any       `json:"appData,omitempty"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, badRequest(err)
	}
	res, err := ctl.Orch.Produce(ctx, c.id, p.Kind, p.RtpParameters, p.AppData)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, c *WsSignalConn, req *Request) (any, error) {
	var p struct {
		RtpCapabilities           engine.RtpCapabilities `json:"rtpCapabilities"`
		RemoteProducerID          domain.ProducerID      `json:"remoteProducerId"`
		ServerConsumerTransportID domain.TransportID     `json:"serverConsumerTransportId"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, badRequest(err)
	}
	params, err := ctl.Orch.Consume(ctx, c.id, p.ServerConsumerTransportID, p.RemoteProducerID, p.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	return map[string]any{"params": params}, nil
}

type consumerPayload struct {
	ServerConsumerID domain.ConsumerID `json:"serverConsumerId"`
}

func (ctl *SignalWSController) handleResume(ctx context.Context, c *WsSignalConn, req *Request) (any, error) {
	var p consumerPayload
	if err := req.Bind(&p); err != nil {
		return nil, badRequest(err)
	}
	if err := ctl.Orch.ResumeConsumer(ctx, c.id, p.ServerConsumerID); err != nil {
		return nil, err
	}
	return ack, nil
}

func (ctl *SignalWSController) handlePause(ctx context.Context, c *WsSignalConn, req *Request) (any, error) {
	var p consumerPayload
	if err := req.Bind(&p); err != nil {
		return nil, badRequest(err)
	}
	if err := ctl.Orch.PauseConsumer(ctx, c.id, p.ServerConsumerID); err != nil {
		return nil, err
	}
	return ack, nil
}

func (ctl *SignalWSController) handleProducerClose(_ context.Context, c *WsSignalConn, req *Request) (any, error) {
	var p struct {
		ProducerID domain.ProducerID `json:"producerId"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, badRequest(err)
	}
	if err := ctl.Orch.CloseProducer(c.id, p.ProducerID); err != nil {
		return nil, err
	}
	return ack, nil
}
