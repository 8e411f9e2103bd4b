// Package rtc implements the media engine on pion's ORTC API: one pion API
// per router, ICE+DTLS transports, RTP receivers as producers and RTP senders
// fed by the sfu relays as consumers.
package rtc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/app/sfu"
	"github.com/dkeye/meetsfu/internal/engine"
)

const defaultGatherTimeout = 5 * time.Second

type Options struct {
	RtcMinPort    uint16
	RtcMaxPort    uint16
	ListenIPs     []engine.ListenIP
	EnableUDP     bool
	EnableTCP     bool
	TCPPort       int
	ICEServers    []string
	GatherTimeout time.Duration
}

// Engine is an in-process engine.Gateway. It has no separate worker, so it
// never reports EventWorkerDied.
type Engine struct {
	opts     Options
	settings webrtc.SettingEngine
	relays   *sfu.RelayManager
	events   *engine.EventQueue
	tcp      net.Listener
	logger   logging.LoggerFactory
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(opts Options) (*Engine, error) {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = defaultGatherTimeout
	}
	e := &Engine{
		opts:   opts,
		relays: sfu.NewRelayManager(),
		events: engine.NewEventQueue(),
		logger: newLoggerFactory(),
	}
	if err := e.configure(); err != nil {
		e.events.Close()
		return nil, err
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	log.Info().
		Str("module", "rtc").
		Uint16("min_port", opts.RtcMinPort).
		Uint16("max_port", opts.RtcMaxPort).
		Bool("udp", opts.EnableUDP).
		Bool("tcp", opts.EnableTCP).
		Msg("media engine ready")
	return e, nil
}

func (e *Engine) configure() error {
	se := webrtc.SettingEngine{LoggerFactory: e.logger}

	if e.opts.RtcMinPort > 0 {
		if err := se.SetEphemeralUDPPortRange(e.opts.RtcMinPort, e.opts.RtcMaxPort); err != nil {
			return fmt.Errorf("rtc port range: %w", err)
		}
	}

	var announced []string
	allowed := make(map[string]bool)
	wildcard := false
	for _, l := range e.opts.ListenIPs {
		ip := net.ParseIP(l.IP)
		if ip == nil {
			return fmt.Errorf("bad listen ip %q", l.IP)
		}
		if ip.IsUnspecified() {
			wildcard = true
		}
		if ip.IsLoopback() {
			se.SetIncludeLoopbackCandidate(true)
		}
		allowed[ip.String()] = true
		if l.AnnouncedIP != "" {
			announced = append(announced, l.AnnouncedIP)
		}
	}
	if !wildcard && len(allowed) > 0 {
		se.SetIPFilter(func(ip net.IP) bool { return allowed[ip.String()] })
	}
	if len(announced) > 0 {
		se.SetNAT1To1IPs(announced, webrtc.ICECandidateTypeHost)
	}

	var networks []webrtc.NetworkType
	if e.opts.EnableUDP {
		networks = append(networks, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
	}
	if e.opts.EnableTCP && e.opts.TCPPort > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", e.opts.TCPPort))
		if err != nil {
			return fmt.Errorf("ice tcp listener: %w", err)
		}
		e.tcp = ln
		se.SetICETCPMux(webrtc.NewICETCPMux(e.logger.NewLogger("ice-tcp"), ln, 8))
		networks = append(networks, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
	}
	if len(networks) == 0 {
		return fmt.Errorf("no usable network types: enable udp or set a tcp port")
	}
	se.SetNetworkTypes(networks)

	e.settings = se
	return nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	if len(e.opts.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: e.opts.ICEServers}}
}

// CreateRouter builds a pion API whose media engine knows exactly codecs.
func (e *Engine) CreateRouter(ctx context.Context, codecs []engine.RtpCodecCapability) (engine.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps := engine.NewRouterCapabilities(codecs)

	m := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: toCodecCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, codecType(c.Kind))
		if err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	r := &Router{
		id:         uuid.NewString(),
		engine:     e,
		caps:       caps,
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(e.settings)),
		media:      m,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	log.Info().Str("module", "rtc").Str("router", r.id).Int("codecs", len(caps.Codecs)).Msg("router created")
	return r, nil
}

func (e *Engine) Events() <-chan engine.Event { return e.events.C() }

func (e *Engine) emit(ev engine.Event) { e.events.Push(ev) }

func (e *Engine) Close() error {
	e.cancel()
	e.events.Close()
	if e.tcp != nil {
		return e.tcp.Close()
	}
	return nil
}
