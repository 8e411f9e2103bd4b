package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodePrefersSpecificSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrDuplicatePeer, "duplicate_peer"},
		{fmt.Errorf("produce: %w", ErrNoSendTransport), "no_send_transport"},
		{ErrNotJoined, "protocol_violation"},
		{ErrCannotConsume, "cannot_consume"},
		{fmt.Errorf("%w: boom", ErrTransportCreation), "transport_creation_error"},
		{fmt.Errorf("connect: %w", ErrGatewayFailure), "gateway_failure"},
		{ErrUnknownPeer, "unknown_peer"},
		{ErrUnknownMeeting, "unknown_meeting"},
		{errors.New("other"), "internal"},
		{nil, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Code(tc.err), "%v", tc.err)
	}
}

func TestRefinedErrorsKeepTheirKind(t *testing.T) {
	assert.ErrorIs(t, ErrNoSendTransport, ErrProtocolViolation)
	assert.ErrorIs(t, ErrCannotConsume, ErrCapabilityMismatch)
	assert.ErrorIs(t, ErrTransportCreation, ErrGatewayFailure)
}

func TestValidateMeetingID(t *testing.T) {
	id, err := ValidateMeetingID("  m1 ")
	require.NoError(t, err)
	assert.Equal(t, MeetingID("m1"), id)

	_, err = ValidateMeetingID("")
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = ValidateMeetingID(strings.Repeat("x", MaxMeetingIDLen+1))
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestPeerPruning(t *testing.T) {
	p := NewPeer("c1", "m1", PeerDetails{})
	p.SendTransport = "t1"
	p.Transports = []TransportID{"t1", "t2"}
	p.Producers = []ProducerID{"p1"}
	p.ProducerByKind[KindAudio] = "p1"
	p.Consumers = []ConsumerID{"c1", "c2"}

	cp := p.Clone()

	p.RemoveTransport("t1")
	p.RemoveProducer("p1")
	p.RemoveConsumer("c1")

	assert.Empty(t, p.SendTransport)
	assert.Equal(t, []TransportID{"t2"}, p.Transports)
	assert.Empty(t, p.Producers)
	assert.Empty(t, p.ProducerByKind)
	assert.Equal(t, []ConsumerID{"c2"}, p.Consumers)

	// the clone is unaffected
	assert.Equal(t, TransportID("t1"), cp.SendTransport)
	assert.Len(t, cp.Transports, 2)
	assert.Equal(t, ProducerID("p1"), cp.ProducerByKind[KindAudio])
}

func TestPeerDetailsSetName(t *testing.T) {
	var d PeerDetails
	require.NoError(t, d.SetName("alice"))
	assert.Equal(t, "alice", d.Name)
	assert.ErrorIs(t, d.SetName(strings.Repeat("a", MaxNameLen+1)), ErrNameTooLong)
	assert.Equal(t, "alice", d.Name)
}
