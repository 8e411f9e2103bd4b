package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/app"
	"github.com/dkeye/meetsfu/internal/core"
	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

// Server push events.
const (
	EventNewProducer    = "new-producer"
	EventProducerClosed = "producer-closed"
)

type NewProducerPush struct {
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type ProducerClosedPush struct {
	RemoteProducerID domain.ProducerID `json:"remoteProducerId"`
}

// Orchestrator is the signaling state machine. Every operation is called on
// behalf of one connection; the caller serializes calls per connection.
type Orchestrator struct {
	Rooms    *app.RoomRegistry
	Registry *app.Registry
	Ledger   *app.Ledger
	Policy   app.Policy
	Engine   engine.Gateway

	Codecs           []engine.RtpCodecCapability
	TransportOptions engine.TransportOptions

	// OnFatal is called once the engine reports that its worker died.
	OnFatal func(error)
}

// Run routes engine events until ctx is done or the engine closes its event channel.
func (o *Orchestrator) Run(ctx context.Context) {
	events := o.Engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Info().Str("module", "orch").Msg("engine event stream closed")
				return
			}
			o.HandleEngineEvent(ev)
		}
	}
}

// HandleEngineEvent applies an engine-originated event. It never fails: ids
// that are already gone are ignored.
func (o *Orchestrator) HandleEngineEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventProducerClosed:
		o.onProducerClosed(domain.ProducerID(ev.ProducerID))
	case engine.EventTransportClosed:
		o.onTransportClosed(domain.TransportID(ev.TransportID))
	case engine.EventDtlsStateChanged:
		if ev.DtlsState != engine.DtlsStateClosed {
			log.Debug().Str("module", "orch").Str("transport", ev.TransportID).Str("state", ev.DtlsState).Msg("dtls state changed")
			return
		}
		if rec, ok := o.Ledger.Transport(domain.TransportID(ev.TransportID)); ok {
			log.Info().Str("module", "orch").Str("transport", ev.TransportID).Msg("dtls closed, closing transport")
			if err := rec.Transport.Close(); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("transport", ev.TransportID).Msg("transport close failed")
			}
		}
	case engine.EventWorkerDied:
		err := fmt.Errorf("%w: %v", domain.ErrEngineFatal, ev.Err)
		log.Error().Err(err).Str("module", "orch").Msg("media worker died")
		if o.OnFatal != nil {
			o.OnFatal(err)
		}
	default:
		log.Warn().Str("module", "orch").Str("event", string(ev.Type)).Msg("unknown engine event")
	}
}

// onProducerClosed tells every consumer of the producer, then drops each
// consumer and its receive transport once nothing else uses it.
func (o *Orchestrator) onProducerClosed(id domain.ProducerID) {
	if rec, ok := o.Ledger.RemoveProducer(id); ok {
		o.Registry.DetachProducer(rec.Owner, id)
	}

	for _, c := range o.Ledger.RemoveConsumerByRemoteProducer(id) {
		o.Registry.DetachConsumer(c.Owner, c.ID)
		o.notify(c.Meeting, c.Owner, EventProducerClosed, ProducerClosedPush{RemoteProducerID: id})

		tr, ok := o.Ledger.RemoveTransportIfUnused(c.TransportID)
		if !ok {
			continue
		}
		o.Registry.DetachTransport(tr.Owner, tr.ID)
		if err := tr.Transport.Close(); err != nil {
			log.Debug().Err(err).Str("module", "orch").Str("transport", string(tr.ID)).Msg("recv transport close failed")
		}
		log.Info().
			Str("module", "orch").
			Str("sid", string(c.Owner)).
			Str("producer", string(id)).
			Str("consumer", string(c.ID)).
			Msg("consumer closed with remote producer")
	}
}

func (o *Orchestrator) onTransportClosed(id domain.TransportID) {
	tr, producers, consumers, ok := o.Ledger.RemoveByTransport(id)
	if !ok {
		return
	}
	o.Registry.DetachTransport(tr.Owner, id)
	for _, p := range producers {
		o.Registry.DetachProducer(p.Owner, p.ID)
	}
	for _, c := range consumers {
		o.Registry.DetachConsumer(c.Owner, c.ID)
	}
	log.Info().
		Str("module", "orch").
		Str("sid", string(tr.Owner)).
		Str("transport", string(id)).
		Int("producers", len(producers)).
		Int("consumers", len(consumers)).
		Msg("transport closed by engine")
}

// broadcast pushes to every member of meeting except one and applies the
// backpressure policy to members that could not keep up.
func (o *Orchestrator) broadcast(meeting domain.MeetingID, except domain.ConnID, event string, payload any) core.PublishResult {
	var res core.PublishResult
	for _, m := range o.Registry.MembersOfRoom(meeting) {
		if m.ConnID == except || m.Signal == nil {
			continue
		}
		if err := m.Signal.Push(event, payload); err != nil {
			o.onPushError(m.ConnID, err, &res)
			continue
		}
		res.SendTo++
	}
	o.applyPolicy(meeting, res.Dropped)
	return res
}

func (o *Orchestrator) notify(meeting domain.MeetingID, conn domain.ConnID, event string, payload any) {
	sig, ok := o.Registry.Signal(conn)
	if !ok || sig == nil {
		return
	}
	var res core.PublishResult
	if err := sig.Push(event, payload); err != nil {
		o.onPushError(conn, err, &res)
	}
	o.applyPolicy(meeting, res.Dropped)
}

func (o *Orchestrator) onPushError(conn domain.ConnID, err error, res *core.PublishResult) {
	if errors.Is(err, core.ErrBackpressure) {
		res.Dropped = append(res.Dropped, conn)
		return
	}
	log.Debug().Err(err).Str("module", "orch").Str("sid", string(conn)).Msg("push failed")
}

func (o *Orchestrator) applyPolicy(meeting domain.MeetingID, dropped []domain.ConnID) {
	if o.Policy == nil {
		return
	}
	for _, conn := range dropped {
		action := o.Policy.OnBackPressure(meeting, conn)
		log.Warn().Str("module", "orch").Str("sid", string(conn)).Str("action", action.String()).Msg("slow signaling connection")
		switch action {
		case app.KickMember:
			o.Kick(conn)
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}
