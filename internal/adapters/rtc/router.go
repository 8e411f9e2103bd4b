package rtc

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

type Router struct {
	id     string
	engine *Engine
	caps   engine.RtpCapabilities
	api    *webrtc.API
	media  *webrtc.MediaEngine

	mu         sync.RWMutex
	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
}

func (r *Router) ID() string                              { return r.id }
func (r *Router) RtpCapabilities() engine.RtpCapabilities { return r.caps }

// CanConsume reports whether producerID lives on this router and caps can
// receive one of its codecs.
func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok || p.closed.Load() {
		return false
	}
	return engine.CanConsume(p.params, caps)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *Router) dropProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

// acceptPayloadType lets the router decode a producer that uses its own
// payload type number for a supported codec.
func (r *Router) acceptPayloadType(kind domain.MediaKind, c engine.RtpCodecParameters) error {
	return r.media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: toFeedback(c.RtcpFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}, codecType(kind))
}

func (r *Router) dropTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// CreateTransport gathers local candidates and returns once gathering is
// complete, ctx is done, or the gather timeout passes with what was found.
func (r *Router) CreateTransport(ctx context.Context, opts engine.TransportOptions) (engine.Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("router %s closed", r.id)
	}

	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.engine.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice gather: %w", err)
	}

	timer := time.NewTimer(r.engine.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		log.Warn().Str("module", "rtc").Str("router", r.id).Msg("candidate gathering timed out, using partial set")
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls parameters: %w", err)
	}

	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	t.params = engine.TransportParams{
		ID:             t.id,
		IceParameters:  fromICEParameters(iceParams),
		IceCandidates:  filterCandidates(candidates, opts),
		DtlsParameters: fromDTLSParameters(dtlsParams),
	}
	dtls.OnStateChange(t.onDTLSState)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, fmt.Errorf("router %s closed", r.id)
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	log.Info().
		Str("module", "rtc").
		Str("router", r.id).
		Str("transport", t.id).
		Int("candidates", len(t.params.IceCandidates)).
		Msg("transport created")
	return t, nil
}

// filterCandidates applies the per-transport protocol switches and puts UDP
// first when preferred.
func filterCandidates(in []webrtc.ICECandidate, opts engine.TransportOptions) []engine.IceCandidate {
	out := make([]engine.IceCandidate, 0, len(in))
	for _, c := range in {
		switch c.Protocol {
		case webrtc.ICEProtocolUDP:
			if !opts.EnableUDP {
				continue
			}
		case webrtc.ICEProtocolTCP:
			if !opts.EnableTCP {
				continue
			}
		}
		out = append(out, fromICECandidate(c))
	}
	if opts.PreferUDP {
		slices.SortStableFunc(out, func(a, b engine.IceCandidate) int {
			switch {
			case a.Protocol == b.Protocol:
				return 0
			case a.Protocol == "udp":
				return -1
			case b.Protocol == "udp":
				return 1
			}
			return 0
		})
	}
	return out
}

// Close closes every transport of the router.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	log.Info().Str("module", "rtc").Str("router", r.id).Msg("router closed")
	return nil
}
