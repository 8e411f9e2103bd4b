package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/app"
	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

type ProduceResult struct {
	ID             domain.ProducerID `json:"id"`
	ProducersExist bool              `json:"producersExist"`
}

type ConsumeParams struct {
	ID               domain.ConsumerID    `json:"id"`
	ProducerID       domain.ProducerID    `json:"producerId"`
	Kind             domain.MediaKind     `json:"kind"`
	RtpParameters    engine.RtpParameters `json:"rtpParameters"`
	ServerConsumerID domain.ConsumerID    `json:"serverConsumerId"`
}

func gatewayErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", domain.ErrGatewayFailure, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrGatewayFailure, op, err)
}

func closeQuietly(kind, id string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str(kind, id).Msg("close failed")
	}
}

// CreateTransport creates a send (consumer=false) or receive transport on
// the router of the caller's room.
func (o *Orchestrator) CreateTransport(ctx context.Context, conn domain.ConnID, consumer bool) (engine.TransportParams, error) {
	p, err := o.requirePeer(conn)
	if err != nil {
		return engine.TransportParams{}, err
	}
	role := domain.RoleFor(consumer)
	if role == domain.RoleProducing && p.SendTransport != "" {
		return engine.TransportParams{}, fmt.Errorf("%w: send transport already exists", domain.ErrProtocolViolation)
	}
	router, ok := o.Rooms.Router(p.MeetingID)
	if !ok {
		return engine.TransportParams{}, domain.ErrUnknownMeeting
	}

	t, err := router.CreateTransport(ctx, o.TransportOptions)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(conn)).Msg("create transport failed")
		return engine.TransportParams{}, fmt.Errorf("%w: %v", domain.ErrTransportCreation, err)
	}

	id := domain.TransportID(t.ID())
	err = o.Registry.AttachTransport(conn, id, role, func() error {
		return o.Ledger.AddTransport(app.TransportRecord{
			ID:        id,
			Owner:     conn,
			Meeting:   p.MeetingID,
			Role:      role,
			Transport: t,
		})
	})
	if err != nil {
		closeQuietly("transport", string(id), t.Close)
		return engine.TransportParams{}, err
	}
	log.Info().Str("module", "orch").Str("sid", string(conn)).Str("transport", string(id)).Str("role", string(role)).Msg("transport created")
	return t.Params(), nil
}

func (o *Orchestrator) connect(ctx context.Context, rec app.TransportRecord, opts engine.ConnectOptions) error {
	if rec.Connected {
		return fmt.Errorf("%w: transport %s already connected", domain.ErrProtocolViolation, rec.ID)
	}
	if len(opts.DtlsParameters.Fingerprints) == 0 {
		return fmt.Errorf("%w: dtlsParameters.fingerprints is empty", domain.ErrBadRequest)
	}
	if err := rec.Transport.Connect(ctx, opts); err != nil {
		return gatewayErr("connect", err)
	}
	o.Ledger.MarkConnected(rec.ID)
	log.Info().Str("module", "orch").Str("sid", string(rec.Owner)).Str("transport", string(rec.ID)).Msg("transport connected")
	return nil
}

// ConnectTransport connects the caller's send transport.
func (o *Orchestrator) ConnectTransport(ctx context.Context, conn domain.ConnID, opts engine.ConnectOptions) error {
	if _, err := o.requirePeer(conn); err != nil {
		return err
	}
	rec, err := o.Ledger.FindProducingTransport(conn)
	if err != nil {
		return err
	}
	return o.connect(ctx, rec, opts)
}

// ConnectRecvTransport connects one of the caller's receive transports.
func (o *Orchestrator) ConnectRecvTransport(ctx context.Context, conn domain.ConnID, transportID domain.TransportID, opts engine.ConnectOptions) error {
	if _, err := o.requirePeer(conn); err != nil {
		return err
	}
	rec, err := o.Ledger.FindConsumingTransport(conn, transportID)
	if err != nil {
		return err
	}
	return o.connect(ctx, rec, opts)
}

// Produce creates a producer on the caller's connected send transport and
// announces it to the rest of the room once it is recorded.
func (o *Orchestrator) Produce(ctx context.Context, conn domain.ConnID, kind domain.MediaKind, params engine.RtpParameters, appData map[string]any) (ProduceResult, error) {
	p, err := o.requirePeer(conn)
	if err != nil {
		return ProduceResult{}, err
	}
	if !kind.Valid() {
		return ProduceResult{}, fmt.Errorf("%w: unknown kind %q", domain.ErrBadRequest, kind)
	}
	if len(params.Codecs) == 0 {
		return ProduceResult{}, fmt.Errorf("%w: rtpParameters.codecs is empty", domain.ErrBadRequest)
	}
	tr, err := o.Ledger.FindProducingTransport(conn)
	if err != nil {
		return ProduceResult{}, err
	}
	if !tr.Connected {
		return ProduceResult{}, fmt.Errorf("%w: send transport not connected", domain.ErrProtocolViolation)
	}
	if o.Registry.HasProducerKind(conn, kind) {
		return ProduceResult{}, fmt.Errorf("%w: already producing %s", domain.ErrProtocolViolation, kind)
	}

	producer, err := tr.Transport.Produce(ctx, engine.ProduceOptions{Kind: kind, RtpParameters: params, AppData: appData})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(conn)).Str("kind", string(kind)).Msg("produce failed")
		return ProduceResult{}, gatewayErr("produce", err)
	}

	id := domain.ProducerID(producer.ID())
	err = o.Registry.AttachProducer(conn, id, kind, func() error {
		return o.Ledger.AddProducer(app.ProducerRecord{
			ID:          id,
			Owner:       conn,
			Meeting:     p.MeetingID,
			TransportID: tr.ID,
			Kind:        kind,
			Producer:    producer,
		})
	})
	if err != nil {
		closeQuietly("producer", string(id), producer.Close)
		return ProduceResult{}, err
	}

	others := o.Ledger.ListProducersInRoom(p.MeetingID, conn)
	res := o.broadcast(p.MeetingID, conn, EventNewProducer, NewProducerPush{ProducerID: id, Kind: kind})
	log.Info().
		Str("module", "orch").
		Str("sid", string(conn)).
		Str("producer", string(id)).
		Str("kind", string(kind)).
		Int("notified", res.SendTo).
		Msg("producer created")
	return ProduceResult{ID: id, ProducersExist: len(others) > 0}, nil
}

// Consume creates a paused consumer of a remote producer on one of the
// caller's receive transports. Nothing is recorded unless the router says
// the caller's capabilities can receive the producer.
func (o *Orchestrator) Consume(ctx context.Context, conn domain.ConnID, transportID domain.TransportID, producerID domain.ProducerID, caps engine.RtpCapabilities) (ConsumeParams, error) {
	p, err := o.requirePeer(conn)
	if err != nil {
		return ConsumeParams{}, err
	}
	tr, err := o.Ledger.FindConsumingTransport(conn, transportID)
	if err != nil {
		return ConsumeParams{}, err
	}
	prod, ok := o.Ledger.Producer(producerID)
	if !ok || prod.Meeting != p.MeetingID {
		return ConsumeParams{}, fmt.Errorf("%w: %s", domain.ErrUnknownProducer, producerID)
	}
	if prod.Owner == conn {
		return ConsumeParams{}, fmt.Errorf("%w: cannot consume own producer", domain.ErrProtocolViolation)
	}
	router, ok := o.Rooms.Router(p.MeetingID)
	if !ok {
		return ConsumeParams{}, domain.ErrUnknownMeeting
	}
	if !router.CanConsume(string(producerID), caps) {
		return ConsumeParams{}, domain.ErrCannotConsume
	}

	consumer, err := tr.Transport.Consume(ctx, engine.ConsumeOptions{
		ProducerID:      string(producerID),
		RtpCapabilities: caps,
		Paused:          true,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(conn)).Str("producer", string(producerID)).Msg("consume failed")
		return ConsumeParams{}, gatewayErr("consume", err)
	}

	id := domain.ConsumerID(consumer.ID())
	err = o.Registry.AttachConsumer(conn, id, func() error {
		return o.Ledger.AddConsumer(app.ConsumerRecord{
			ID:          id,
			Owner:       conn,
			Meeting:     p.MeetingID,
			TransportID: tr.ID,
			ProducerID:  producerID,
			Consumer:    consumer,
		})
	})
	if err != nil {
		closeQuietly("consumer", string(id), consumer.Close)
		return ConsumeParams{}, err
	}

	// The producer or the receive transport may have closed while the engine
	// call was in flight, in which case its cascade ran without seeing this
	// consumer.
	var gone error
	if _, ok := o.Ledger.Producer(producerID); !ok {
		gone = fmt.Errorf("%w: %s closed", domain.ErrUnknownProducer, producerID)
	} else if _, ok := o.Ledger.Transport(tr.ID); !ok {
		gone = fmt.Errorf("%w: %s closed", domain.ErrUnknownTransport, tr.ID)
	}
	if gone != nil {
		if _, removed := o.Ledger.RemoveConsumer(id); removed {
			o.Registry.DetachConsumer(conn, id)
			closeQuietly("consumer", string(id), consumer.Close)
		}
		return ConsumeParams{}, gone
	}

	log.Info().Str("module", "orch").Str("sid", string(conn)).Str("consumer", string(id)).Str("producer", string(producerID)).Msg("consumer created")
	return ConsumeParams{
		ID:               id,
		ProducerID:       producerID,
		Kind:             consumer.Kind(),
		RtpParameters:    consumer.RtpParameters(),
		ServerConsumerID: id,
	}, nil
}

func (o *Orchestrator) ownConsumer(conn domain.ConnID, id domain.ConsumerID) (app.ConsumerRecord, error) {
	if _, err := o.requirePeer(conn); err != nil {
		return app.ConsumerRecord{}, err
	}
	rec, ok := o.Ledger.Consumer(id)
	if !ok || rec.Owner != conn {
		return app.ConsumerRecord{}, fmt.Errorf("%w: %s", domain.ErrUnknownConsumer, id)
	}
	return rec, nil
}

// ResumeConsumer is idempotent.
func (o *Orchestrator) ResumeConsumer(ctx context.Context, conn domain.ConnID, id domain.ConsumerID) error {
	rec, err := o.ownConsumer(conn, id)
	if err != nil {
		return err
	}
	if err := rec.Consumer.Resume(ctx); err != nil {
		return gatewayErr("resume", err)
	}
	return nil
}

func (o *Orchestrator) PauseConsumer(ctx context.Context, conn domain.ConnID, id domain.ConsumerID) error {
	rec, err := o.ownConsumer(conn, id)
	if err != nil {
		return err
	}
	if err := rec.Consumer.Pause(ctx); err != nil {
		return gatewayErr("pause", err)
	}
	return nil
}

// CloseProducer closes one of the caller's producers. Remote consumers are
// notified through the engine's producer-closed event.
func (o *Orchestrator) CloseProducer(conn domain.ConnID, id domain.ProducerID) error {
	if _, err := o.requirePeer(conn); err != nil {
		return err
	}
	rec, ok := o.Ledger.Producer(id)
	if !ok || rec.Owner != conn {
		return fmt.Errorf("%w: %s", domain.ErrUnknownProducer, id)
	}
	if _, ok := o.Ledger.RemoveProducer(id); ok {
		o.Registry.DetachProducer(conn, id)
	}
	closeQuietly("producer", string(id), rec.Producer.Close)
	log.Info().Str("module", "orch").Str("sid", string(conn)).Str("producer", string(id)).Msg("producer closed by client")
	return nil
}
