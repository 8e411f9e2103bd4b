package app

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meetsfu/internal/domain"
)

func TestCreatePeerRejectsDuplicate(t *testing.T) {
	reg := NewRegistry()
	p, err := reg.CreatePeer("c1", "m1", nil, domain.PeerDetails{Name: "ann"})
	require.NoError(t, err)
	assert.Equal(t, domain.MeetingID("m1"), p.MeetingID)

	_, err = reg.CreatePeer("c1", "m2", nil, domain.PeerDetails{})
	require.ErrorIs(t, err, domain.ErrDuplicatePeer)

	meeting, ok := reg.RoomOf("c1")
	require.True(t, ok)
	assert.Equal(t, domain.MeetingID("m1"), meeting)
}

func TestAttachToUnknownPeerFails(t *testing.T) {
	reg := NewRegistry()
	called := false
	commit := func() error { called = true; return nil }

	assert.ErrorIs(t, reg.AttachTransport("x", "t1", domain.RoleProducing, commit), domain.ErrUnknownPeer)
	assert.ErrorIs(t, reg.AttachProducer("x", "p1", domain.KindAudio, commit), domain.ErrUnknownPeer)
	assert.ErrorIs(t, reg.AttachConsumer("x", "c1", commit), domain.ErrUnknownPeer)
	assert.False(t, called, "commit must not run for a missing peer")
}

func TestAttachEnforcesSingleSendTransportAndKind(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.CreatePeer("c1", "m1", nil, domain.PeerDetails{})
	require.NoError(t, err)

	require.NoError(t, reg.AttachTransport("c1", "t1", domain.RoleProducing, nil))
	err = reg.AttachTransport("c1", "t2", domain.RoleProducing, nil)
	require.ErrorIs(t, err, domain.ErrProtocolViolation)
	require.NoError(t, reg.AttachTransport("c1", "t3", domain.RoleConsuming, nil))
	require.NoError(t, reg.AttachTransport("c1", "t4", domain.RoleConsuming, nil))

	require.NoError(t, reg.AttachProducer("c1", "p1", domain.KindAudio, nil))
	require.ErrorIs(t, reg.AttachProducer("c1", "p2", domain.KindAudio, nil), domain.ErrProtocolViolation)
	require.NoError(t, reg.AttachProducer("c1", "p3", domain.KindVideo, nil))
	assert.True(t, reg.HasProducerKind("c1", domain.KindVideo))

	p, ok := reg.Get("c1")
	require.True(t, ok)
	assert.Equal(t, domain.TransportID("t1"), p.SendTransport)
	assert.Equal(t, []domain.TransportID{"t1", "t3", "t4"}, p.Transports)
	assert.Equal(t, []domain.ProducerID{"p1", "p3"}, p.Producers)
}

func TestFailedCommitRollsBack(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.CreatePeer("c1", "m1", nil, domain.PeerDetails{})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = reg.AttachTransport("c1", "t1", domain.RoleProducing, func() error { return boom })
	require.ErrorIs(t, err, boom)

	p, _ := reg.Get("c1")
	assert.Empty(t, p.SendTransport)
	assert.Empty(t, p.Transports)
}

func TestDetachPrunesAndRemovePeer(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.CreatePeer("c1", "m1", nil, domain.PeerDetails{})
	require.NoError(t, err)
	require.NoError(t, reg.AttachTransport("c1", "t1", domain.RoleProducing, nil))
	require.NoError(t, reg.AttachProducer("c1", "p1", domain.KindAudio, nil))
	require.NoError(t, reg.AttachConsumer("c1", "k1", nil))

	reg.DetachProducer("c1", "p1")
	reg.DetachConsumer("c1", "k1")
	reg.DetachTransport("c1", "t1")
	reg.DetachTransport("ghost", "t1")

	p, ok := reg.RemovePeer("c1")
	require.True(t, ok)
	assert.Empty(t, p.Transports)
	assert.Empty(t, p.Producers)
	assert.Empty(t, p.Consumers)
	assert.Empty(t, p.ProducerByKind)
	assert.Empty(t, p.SendTransport)

	_, ok = reg.Get("c1")
	assert.False(t, ok)
	_, ok = reg.RemovePeer("c1")
	assert.False(t, ok)
}

func TestMembersOfRoomAndNames(t *testing.T) {
	reg := NewRegistry()
	for _, c := range []domain.ConnID{"b", "a"} {
		_, err := reg.CreatePeer(c, "m1", nil, domain.PeerDetails{})
		require.NoError(t, err)
	}
	_, err := reg.CreatePeer("z", "m2", nil, domain.PeerDetails{})
	require.NoError(t, err)

	members := reg.MembersOfRoom("m1")
	require.Len(t, members, 2)
	assert.Equal(t, domain.ConnID("a"), members[0].ConnID)
	assert.Len(t, reg.Snapshot("m2"), 1)

	require.NoError(t, reg.SetName("a", "alice"))
	require.ErrorIs(t, reg.SetName("a", "a-name-that-is-way-too-long-for-the-ui-to-show"), domain.ErrNameTooLong)
	p, _ := reg.Get("a")
	assert.Equal(t, "alice", p.Details.Name)
	assert.ErrorIs(t, reg.SetName("ghost", "x"), domain.ErrUnknownPeer)
}

func TestProfiles(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, "guest", reg.Profile("tok").Name)
	reg.SaveProfile("tok", domain.PeerDetails{Name: "bob"})
	assert.Equal(t, "bob", reg.Profile("tok").Name)
}
