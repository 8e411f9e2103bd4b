// Package enginetest provides an in-memory engine.Gateway for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

var ErrInjected = errors.New("injected engine failure")

// DefaultCodecs mirrors the server's default codec set.
func DefaultCodecs() []engine.RtpCodecCapability {
	return []engine.RtpCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000, Parameters: map[string]any{"x-google-start-bitrate": 1000}},
	}
}

// ClientCaps is what a browser would send as its device capabilities.
func ClientCaps() engine.RtpCapabilities {
	return engine.NewRouterCapabilities(DefaultCodecs())
}

func AudioParams() engine.RtpParameters {
	return engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []engine.RtpEncodingParameters{{Ssrc: 1111}},
	}
}

func VideoParams() engine.RtpParameters {
	return engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []engine.RtpEncodingParameters{{Ssrc: 2222}},
	}
}

func Dtls() engine.DtlsParameters {
	return engine.DtlsParameters{
		Role:         "client",
		Fingerprints: []engine.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}
}

// Gateway is a fake engine. Failure switches may be flipped at any time.
type Gateway struct {
	RouterDelay    time.Duration
	FailRouter     atomic.Bool
	FailTransport  atomic.Bool
	FailConnect    atomic.Bool
	FailProduce    atomic.Bool
	FailConsume    atomic.Bool
	// OnProduce and OnConsume run once the engine object exists, before the
	// call returns, so a test can hold the call in flight.
	OnProduce      func()
	OnConsume      func()
	routersCreated atomic.Int32
	seq            atomic.Int64
	events         *engine.EventQueue
	mu             sync.Mutex
	producers      map[string]*Producer
	transports     map[string]*Transport
	consumers      map[string]*Consumer
	closedRouters  []string
}

func New() *Gateway {
	return &Gateway{
		events:     engine.NewEventQueue(),
		producers:  make(map[string]*Producer),
		transports: make(map[string]*Transport),
		consumers:  make(map[string]*Consumer),
	}
}

func (g *Gateway) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, g.seq.Add(1))
}

func (g *Gateway) RoutersCreated() int { return int(g.routersCreated.Load()) }

func (g *Gateway) ClosedRouters() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.closedRouters...)
}

// Emit injects an engine event as if the worker raised it.
func (g *Gateway) Emit(ev engine.Event) { g.events.Push(ev) }

func (g *Gateway) Events() <-chan engine.Event { return g.events.C() }

func (g *Gateway) Close() error {
	g.events.Close()
	return nil
}

// Transport returns a live fake transport by id.
func (g *Gateway) Transport(id string) (*Transport, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.transports[id]
	return t, ok
}

func (g *Gateway) Consumer(id string) (*Consumer, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.consumers[id]
	return c, ok
}

func (g *Gateway) Producer(id string) (*Producer, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.producers[id]
	return p, ok
}

func (g *Gateway) CreateRouter(ctx context.Context, codecs []engine.RtpCodecCapability) (engine.Router, error) {
	if g.RouterDelay > 0 {
		select {
		case <-time.After(g.RouterDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.FailRouter.Load() {
		return nil, ErrInjected
	}
	g.routersCreated.Add(1)
	return &Router{g: g, id: g.next("router"), caps: engine.NewRouterCapabilities(codecs)}, nil
}

type Router struct {
	g    *Gateway
	id   string
	caps engine.RtpCapabilities
}

func (r *Router) ID() string                              { return r.id }
func (r *Router) RtpCapabilities() engine.RtpCapabilities { return r.caps }

func (r *Router) CreateTransport(_ context.Context, _ engine.TransportOptions) (engine.Transport, error) {
	if r.g.FailTransport.Load() {
		return nil, ErrInjected
	}
	id := r.g.next("transport")
	t := &Transport{
		g:      r.g,
		router: r,
		params: engine.TransportParams{
			ID:             id,
			IceParameters:  engine.IceParameters{UsernameFragment: "ufrag-" + id, Password: "pwd", IceLite: true},
			IceCandidates:  []engine.IceCandidate{{Foundation: "udpcandidate", Priority: 1, IP: "127.0.0.1", Address: "127.0.0.1", Protocol: "udp", Port: 2000, Type: "host"}},
			DtlsParameters: engine.DtlsParameters{Role: "auto", Fingerprints: []engine.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}}},
		},
	}
	r.g.mu.Lock()
	r.g.transports[id] = t
	r.g.mu.Unlock()
	return t, nil
}

func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	r.g.mu.Lock()
	p, ok := r.g.producers[producerID]
	r.g.mu.Unlock()
	if !ok || p.transport.router != r {
		return false
	}
	return engine.CanConsume(p.params, caps)
}

func (r *Router) Close() error {
	r.g.mu.Lock()
	r.g.closedRouters = append(r.g.closedRouters, r.id)
	r.g.mu.Unlock()
	return nil
}

type Transport struct {
	g         *Gateway
	router    *Router
	params    engine.TransportParams
	mu        sync.Mutex
	connected bool
	closed    bool
	producers []*Producer
	consumers []*Consumer
}

func (t *Transport) ID() string                     { return t.params.ID }
func (t *Transport) Params() engine.TransportParams { return t.params }

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Connect(_ context.Context, opts engine.ConnectOptions) error {
	if t.g.FailConnect.Load() {
		return ErrInjected
	}
	if len(opts.DtlsParameters.Fingerprints) == 0 {
		return errors.New("missing dtls fingerprints")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.connected = true
	return nil
}

func (t *Transport) Produce(_ context.Context, opts engine.ProduceOptions) (engine.Producer, error) {
	if t.g.FailProduce.Load() {
		return nil, ErrInjected
	}
	p := &Producer{g: t.g, transport: t, id: t.g.next("producer"), kind: opts.Kind, params: opts.RtpParameters}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	t.g.mu.Lock()
	t.g.producers[p.id] = p
	t.g.mu.Unlock()
	if t.g.OnProduce != nil {
		t.g.OnProduce()
	}
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts engine.ConsumeOptions) (engine.Consumer, error) {
	if t.g.FailConsume.Load() {
		return nil, ErrInjected
	}
	t.g.mu.Lock()
	p, ok := t.g.producers[opts.ProducerID]
	t.g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("producer %s not found", opts.ProducerID)
	}
	codec, capCodec, ok := engine.MatchCodec(p.params, opts.RtpCapabilities)
	if !ok {
		return nil, errors.New("no matching codec")
	}
	codec.PayloadType = capCodec.PreferredPayloadType
	c := &Consumer{
		g:          t.g,
		id:         t.g.next("consumer"),
		producerID: p.id,
		kind:       p.kind,
		paused:     opts.Paused,
		params: engine.RtpParameters{
			Codecs:    []engine.RtpCodecParameters{codec},
			Encodings: []engine.RtpEncodingParameters{{Ssrc: uint32(t.g.seq.Add(1))}},
			Rtcp:      engine.RtcpParameters{Cname: "fake", ReducedSize: true},
		},
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	t.g.mu.Lock()
	t.g.consumers[c.id] = c
	t.g.mu.Unlock()
	if t.g.OnConsume != nil {
		t.g.OnConsume()
	}
	return c, nil
}

// Close closes producers and consumers on the transport, then emits transportclose.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers, consumers := t.producers, t.consumers
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	t.g.mu.Lock()
	delete(t.g.transports, t.params.ID)
	t.g.mu.Unlock()
	t.g.events.Push(engine.Event{Type: engine.EventTransportClosed, TransportID: t.params.ID})
	return nil
}

type Producer struct {
	g         *Gateway
	transport *Transport
	id        string
	kind      domain.MediaKind
	params    engine.RtpParameters
	closed    atomic.Bool
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) Closed() bool           { return p.closed.Load() }

// Close emits producerclose exactly once.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.g.mu.Lock()
	delete(p.g.producers, p.id)
	p.g.mu.Unlock()
	p.g.events.Push(engine.Event{Type: engine.EventProducerClosed, ProducerID: p.id})
	return nil
}

type Consumer struct {
	g          *Gateway
	id         string
	producerID string
	kind       domain.MediaKind
	params     engine.RtpParameters
	mu         sync.Mutex
	paused     bool
	resumes    int
	closed     bool
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() engine.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Resumes counts the Resume calls that actually changed state.
func (c *Consumer) Resumes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumes
}

func (c *Consumer) Pause(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("consumer closed")
	}
	c.paused = true
	return nil
}

func (c *Consumer) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("consumer closed")
	}
	if c.paused {
		c.paused = false
		c.resumes++
	}
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.g.mu.Lock()
	delete(c.g.consumers, c.id)
	c.g.mu.Unlock()
	return nil
}
