package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource chan *rtp.Packet

func (c chanSource) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-c
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint16
	fail bool
}

func (r *recorder) WriteRTP(p *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("closed pipe")
	}
	r.seqs = append(r.seqs, p.SequenceNumber)
	return nil
}

func (r *recorder) got() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint16(nil), r.seqs...)
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq}}
}

func TestRelayForwardsOnlyToActiveTracks(t *testing.T) {
	src := make(chanSource)
	m := NewRelayManager()
	relay := m.StartRelay(context.Background(), "p1", src)
	require.True(t, m.HasRelay("p1"))

	live, paused := &recorder{}, &recorder{}
	pausedTrack := NewOutTrack(paused, true)
	require.True(t, m.AddSubscriber("p1", "c1", NewOutTrack(live, false)))
	require.True(t, m.AddSubscriber("p1", "c2", pausedTrack))
	assert.False(t, m.AddSubscriber("nope", "c3", NewOutTrack(live, false)))

	// A send returns once the loop has forwarded the previous packet.
	src <- packet(1)
	src <- packet(2)
	pausedTrack.MarkOk()
	src <- packet(3)
	src <- packet(4)

	require.Eventually(t, func() bool { return len(live.got()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{1, 2, 3, 4}, live.got())
	assert.NotContains(t, paused.got(), uint16(1))
	assert.Contains(t, paused.got(), uint16(3))

	close(src)
	select {
	case <-relay.Done():
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelayDropsFailingAndDeletedTracks(t *testing.T) {
	src := make(chanSource)
	m := NewRelayManager()
	relay := m.StartRelay(context.Background(), "p1", src)

	broken := &recorder{fail: true}
	gone := &recorder{}
	m.AddSubscriber("p1", "bad", NewOutTrack(broken, false))
	m.AddSubscriber("p1", "gone", NewOutTrack(gone, false))
	m.MarkSubscriberDelete("p1", "gone")

	src <- packet(1)
	src <- packet(2)

	require.Eventually(t, func() bool {
		_, bad := relay.OutTrack("bad")
		_, del := relay.OutTrack("gone")
		return !bad && !del
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, gone.got())

	m.StopRelay("p1")
	assert.False(t, m.HasRelay("p1"))
	close(src)
}

func TestOutTrackDeleteIsFinal(t *testing.T) {
	ot := NewOutTrack(&recorder{}, false)
	ot.MarkMuted()
	assert.Equal(t, TrackStateMuted, ot.GetState())
	ot.MarkDelete()
	ot.MarkOk()
	ot.MarkMuted()
	assert.Equal(t, TrackStateDelete, ot.GetState())
}
