// Package engine is the boundary to the media plane. The signaling core only
// talks to these interfaces; a concrete engine lives in adapters/rtc.
package engine

import (
	"context"

	"github.com/dkeye/meetsfu/internal/domain"
)

type ListenIP struct {
	IP          string `json:"ip" mapstructure:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty" mapstructure:"announced_ip"`
}

// TransportOptions is fixed server configuration, never per-request input.
type TransportOptions struct {
	ListenIPs []ListenIP
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool
}

type ConnectOptions struct {
	DtlsParameters DtlsParameters
	// IceParameters and IceCandidates are optional; engines that need the
	// remote ICE credentials reject the connect without them.
	IceParameters *IceParameters
	IceCandidates []IceCandidate
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RtpParameters RtpParameters
	AppData       map[string]any
}

type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	Paused          bool
}

// Gateway owns the media worker. A fatal worker failure is reported as a WorkerDied event.
type Gateway interface {
	CreateRouter(ctx context.Context, codecs []RtpCodecCapability) (Router, error)
	Events() <-chan Event
	Close() error
}

type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	// CanConsume is read-only and safe to call concurrently.
	CanConsume(producerID string, caps RtpCapabilities) bool
	Close() error
}

type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, opts ConnectOptions) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	RtpParameters() RtpParameters
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}
