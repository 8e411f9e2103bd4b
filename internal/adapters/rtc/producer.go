package rtc

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

// Producer is a remote stream received on a transport. It is the sfu.Source
// of its relay.
type Producer struct {
	id        string
	kind      domain.MediaKind
	params    engine.RtpParameters
	ssrc      uint32
	transport *Transport
	receiver  *webrtc.RTPReceiver

	// track is set before ready is closed.
	track *webrtc.TrackRemote
	ready chan struct{}
	done  chan struct{}

	closed atomic.Bool
	once   sync.Once
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

// receive waits for the SRTP session, which pion needs before a receiver can start.
func (p *Producer) receive(params webrtc.RTPReceiveParameters) {
	select {
	case <-p.transport.ready:
	case <-p.transport.done:
		return
	case <-p.done:
		return
	}
	if err := p.receiver.Receive(params); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("producer", p.id).Msg("receiver start failed")
		_ = p.Close()
		return
	}
	p.track = p.receiver.Track()
	close(p.ready)
	p.RequestKeyFrame()
}

// ReadRTP blocks until media arrives or the producer closes.
func (p *Producer) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-p.ready:
	case <-p.done:
		return nil, io.EOF
	}
	pkt, _, err := p.track.ReadRTP()
	return pkt, err
}

// RequestKeyFrame asks the sender for a fresh video key frame.
func (p *Producer) RequestKeyFrame() {
	if p.kind != domain.KindVideo || p.closed.Load() {
		return
	}
	select {
	case <-p.ready:
	default:
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: p.ssrc}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("producer", p.id).Msg("PLI write failed")
	}
}

func (p *Producer) Close() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.transport.router.engine.relays.StopRelay(domain.ProducerID(p.id))
		err = p.receiver.Stop()
		p.transport.router.dropProducer(p.id)
		p.transport.dropProducer(p.id)
		p.transport.router.engine.emit(engine.Event{Type: engine.EventProducerClosed, ProducerID: p.id})
		log.Info().Str("module", "rtc").Str("producer", p.id).Msg("producer closed")
	})
	return err
}
