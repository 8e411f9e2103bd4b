package rtc

import (
	"context"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/app/sfu"
	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

// Consumer forwards one producer to the remote side through an RTP sender.
// Pausing mutes its out track in the relay; the sender stays bound.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	sender    *webrtc.RTPSender
	out       *sfu.OutTrack
	params    engine.RtpParameters

	mu     sync.Mutex
	paused bool
	once   sync.Once
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *Consumer) RtpParameters() engine.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.out.MarkMuted()
	return nil
}

// Resume unmutes the track and requests a key frame so the decoder can start.
func (c *Consumer) Resume(context.Context) error {
	c.mu.Lock()
	wasPaused := c.paused
	c.paused = false
	c.out.MarkOk()
	c.mu.Unlock()
	if wasPaused {
		c.producer.RequestKeyFrame()
	}
	return nil
}

// readRTCP drains receiver reports and passes key frame requests upstream.
func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.RequestKeyFrame()
			}
		}
	}
}

func (c *Consumer) Close() error {
	var err error
	c.once.Do(func() {
		c.out.MarkDelete()
		c.transport.router.engine.relays.MarkSubscriberDelete(domain.ProducerID(c.producer.id), domain.ConsumerID(c.id))
		err = c.sender.Stop()
		c.transport.dropConsumer(c.id)
		log.Debug().Str("module", "rtc").Str("consumer", c.id).Msg("consumer closed")
	})
	return err
}
