package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/app/sfu"
	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

// Transport is one ICE+DTLS association. Producers and consumers share its
// SRTP session.
type Transport struct {
	id       string
	router   *Router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   engine.TransportParams

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	started   bool
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func (t *Transport) ID() string                     { return t.id }
func (t *Transport) Params() engine.TransportParams { return t.params }

func (t *Transport) onDTLSState(s webrtc.DTLSTransportState) {
	log.Info().
		Str("module", "rtc").
		Str("transport", t.id).
		Str("dtls_state", s.String()).
		Msg("DTLS state")
	if s == webrtc.DTLSTransportStateConnected {
		t.readyOnce.Do(func() { close(t.ready) })
	}
	t.router.engine.emit(engine.Event{
		Type:        engine.EventDtlsStateChanged,
		TransportID: t.id,
		DtlsState:   dtlsState(s),
	})
}

// Connect applies the remote parameters and starts ICE and DTLS in the
// background. It returns before the handshake completes.
func (t *Transport) Connect(_ context.Context, opts engine.ConnectOptions) error {
	if opts.IceParameters == nil {
		return errors.New("iceParameters are required to connect")
	}
	if len(opts.DtlsParameters.Fingerprints) == 0 {
		return errors.New("dtlsParameters.fingerprints are required")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport %s closed", t.id)
	}
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("transport %s already connected", t.id)
	}
	t.started = true
	t.mu.Unlock()

	for _, c := range opts.IceCandidates {
		cand, err := toICECandidate(c)
		if err != nil {
			return fmt.Errorf("bad ice candidate: %w", err)
		}
		if err := t.ice.AddRemoteCandidate(&cand); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
	}

	iceParams := webrtc.ICEParameters{
		UsernameFragment: opts.IceParameters.UsernameFragment,
		Password:         opts.IceParameters.Password,
		ICELite:          opts.IceParameters.IceLite,
	}
	dtlsParams := toDTLSParameters(opts.DtlsParameters)
	go func() {
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, iceParams, &role); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("ICE start failed")
			t.router.engine.emit(engine.Event{
				Type:        engine.EventDtlsStateChanged,
				TransportID: t.id,
				DtlsState:   engine.DtlsStateFailed,
			})
			return
		}
		if err := t.dtls.Start(dtlsParams); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("DTLS start failed")
		}
	}()
	return nil
}

// Produce starts receiving the stream described by opts. Packets flow into a
// relay once DTLS is up.
func (t *Transport) Produce(_ context.Context, opts engine.ProduceOptions) (engine.Producer, error) {
	pc, rc, ok := engine.MatchCodec(opts.RtpParameters, t.router.caps)
	if !ok {
		return nil, errors.New("no codec of the producer is supported by the router")
	}
	recvParams, err := receiveParameters(opts.RtpParameters)
	if err != nil {
		return nil, err
	}
	if pc.PayloadType != rc.PreferredPayloadType {
		if err := t.router.acceptPayloadType(opts.Kind, pc); err != nil {
			return nil, fmt.Errorf("register payload type %d: %w", pc.PayloadType, err)
		}
	}

	receiver, err := t.router.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	p := &Producer{
		id:        uuid.NewString(),
		kind:      opts.Kind,
		params:    opts.RtpParameters,
		ssrc:      opts.RtpParameters.Encodings[0].Ssrc,
		transport: t,
		receiver:  receiver,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.addProducer(p)
	t.router.engine.relays.StartRelay(t.router.engine.ctx, domain.ProducerID(p.id), p)
	go p.receive(recvParams)

	log.Info().
		Str("module", "rtc").
		Str("transport", t.id).
		Str("producer", p.id).
		Str("kind", string(p.kind)).
		Str("codec", pc.MimeType).
		Msg("producer created")
	return p, nil
}

// Consume creates an RTP sender fed by the relay of opts.ProducerID.
func (t *Transport) Consume(_ context.Context, opts engine.ConsumeOptions) (engine.Consumer, error) {
	p, ok := t.router.producer(opts.ProducerID)
	if !ok || p.closed.Load() {
		return nil, fmt.Errorf("producer %s not found", opts.ProducerID)
	}
	if !t.router.engine.relays.HasRelay(domain.ProducerID(p.id)) {
		return nil, fmt.Errorf("producer %s has no relay", p.id)
	}
	pc, _, ok := engine.MatchCodec(p.params, opts.RtpCapabilities)
	if !ok {
		return nil, errors.New("consumer cannot receive any codec of the producer")
	}
	rc, ok := t.router.caps.SupportsCodec(pc.MimeType, pc.ClockRate, pc.Channels)
	if !ok {
		return nil, fmt.Errorf("router does not support %s", pc.MimeType)
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(toCodecCapability(rc), id, "meetsfu-"+p.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}
	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}

	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		sender:    sender,
		out:       sfu.NewOutTrack(track, opts.Paused),
		paused:    opts.Paused,
		params: engine.RtpParameters{
			Mid: id,
			Codecs: []engine.RtpCodecParameters{{
				MimeType:     rc.MimeType,
				PayloadType:  rc.PreferredPayloadType,
				ClockRate:    rc.ClockRate,
				Channels:     rc.Channels,
				Parameters:   rc.Parameters,
				RtcpFeedback: rc.RtcpFeedback,
			}},
			Encodings: []engine.RtpEncodingParameters{{Ssrc: ssrc}},
			Rtcp:      engine.RtcpParameters{Cname: p.params.Rtcp.Cname, ReducedSize: true},
		},
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !t.router.engine.relays.AddSubscriber(domain.ProducerID(p.id), domain.ConsumerID(c.id), c.out) {
		_ = c.Close()
		return nil, fmt.Errorf("producer %s has no relay", p.id)
	}
	go c.readRTCP()

	log.Info().
		Str("module", "rtc").
		Str("transport", t.id).
		Str("consumer", c.id).
		Str("producer", p.id).
		Bool("paused", opts.Paused).
		Msg("consumer created")
	return c, nil
}

func (t *Transport) dropProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) dropConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

// Close tears down consumers, producers and the ICE/DTLS stack, then reports
// EventTransportClosed.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		consumers := make([]*Consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		producers := make([]*Producer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		t.mu.Unlock()

		for _, c := range consumers {
			_ = c.Close()
		}
		for _, p := range producers {
			_ = p.Close()
		}
		close(t.done)

		err = errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
		t.router.dropTransport(t.id)
		t.router.engine.emit(engine.Event{Type: engine.EventTransportClosed, TransportID: t.id})
		log.Info().Str("module", "rtc").Str("transport", t.id).Msg("transport closed")
	})
	return err
}
