package orch

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/core"
	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

// joinAttempts bounds retries when an empty room is evicted between router
// lookup and membership.
const joinAttempts = 3

// testHookPeerCreated runs between publishing a peer and adding it to its room.
var testHookPeerCreated = func(domain.ConnID) {}

type JoinResult struct {
	RtpCapabilities engine.RtpCapabilities `json:"rtpCapabilities"`
}

type WhoAmIResult struct {
	ID        domain.ConnID    `json:"id"`
	Meeting   domain.MeetingID `json:"meetingId"`
	Name      string           `json:"name"`
	Producers int              `json:"producers"`
	Consumers int              `json:"consumers"`
}

func (o *Orchestrator) requirePeer(conn domain.ConnID) (*domain.Peer, error) {
	p, ok := o.Registry.Get(conn)
	if !ok {
		return nil, domain.ErrNotJoined
	}
	return p, nil
}

// Join creates the peer and returns the router capabilities of its meeting.
// A connection joins at most once.
func (o *Orchestrator) Join(ctx context.Context, conn domain.ConnID, meetingID string, sig core.SignalConnection, details domain.PeerDetails) (JoinResult, error) {
	meeting, err := domain.ValidateMeetingID(meetingID)
	if err != nil {
		return JoinResult{}, err
	}
	if _, ok := o.Registry.Get(conn); ok {
		return JoinResult{}, domain.ErrDuplicatePeer
	}

	for range joinAttempts {
		router, err := o.Rooms.GetOrCreateRoom(ctx, meeting, o.Codecs)
		if err != nil {
			return JoinResult{}, err
		}
		if _, err := o.Registry.CreatePeer(conn, meeting, sig, details); err != nil {
			return JoinResult{}, err
		}
		testHookPeerCreated(conn)
		if err := o.Rooms.AddMember(meeting, conn); err != nil {
			o.Registry.RemovePeer(conn)
			if errors.Is(err, domain.ErrUnknownMeeting) {
				continue
			}
			return JoinResult{}, err
		}
		// A kick between CreatePeer and AddMember removes the member before
		// it is added; undo the add so membership never outlives the peer.
		if _, ok := o.Registry.Get(conn); !ok {
			o.Rooms.RemoveMember(meeting, conn)
			return JoinResult{}, domain.ErrUnknownPeer
		}
		log.Info().Str("module", "orch").Str("sid", string(conn)).Str("meeting", string(meeting)).Str("name", details.Name).Msg("peer joined")
		return JoinResult{RtpCapabilities: router.RtpCapabilities()}, nil
	}
	return JoinResult{}, domain.ErrUnknownMeeting
}

// GetProducers lists producer ids of the caller's room, without its own.
func (o *Orchestrator) GetProducers(conn domain.ConnID) ([]domain.ProducerID, error) {
	p, err := o.requirePeer(conn)
	if err != nil {
		return nil, err
	}
	recs := o.Ledger.ListProducersInRoom(p.MeetingID, conn)
	out := make([]domain.ProducerID, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out, nil
}

// Disconnect removes the peer and closes everything it owns. Calling it for
// an unknown connection is a no-op. Remote consumers of its producers are
// cleaned up when the engine reports the producers closed.
func (o *Orchestrator) Disconnect(conn domain.ConnID) {
	p, ok := o.Registry.RemovePeer(conn)
	if !ok {
		return
	}
	counts := o.Ledger.RemoveAndCloseByOwner(conn)
	o.Rooms.RemoveMember(p.MeetingID, conn)
	log.Info().
		Str("module", "orch").
		Str("sid", string(conn)).
		Str("meeting", string(p.MeetingID)).
		Int("transports", counts.Transports).
		Int("producers", counts.Producers).
		Int("consumers", counts.Consumers).
		Msg("peer disconnected")
}

// Kick closes the member's signaling connection and disconnects it.
func (o *Orchestrator) Kick(conn domain.ConnID) bool {
	sig, ok := o.Registry.Signal(conn)
	if !ok {
		return false
	}
	if sig != nil {
		sig.Close()
	}
	o.Disconnect(conn)
	log.Info().Str("module", "orch").Str("sid", string(conn)).Msg("kicked")
	return true
}

// KickFromRoom kicks conn only if it is a member of meeting.
func (o *Orchestrator) KickFromRoom(meeting domain.MeetingID, conn domain.ConnID) bool {
	if m, ok := o.Registry.RoomOf(conn); !ok || m != meeting {
		return false
	}
	return o.Kick(conn)
}

func (o *Orchestrator) Rename(conn domain.ConnID, name string) (domain.PeerDetails, error) {
	if err := o.Registry.SetName(conn, name); err != nil {
		if errors.Is(err, domain.ErrNameTooLong) {
			return domain.PeerDetails{}, errors.Join(domain.ErrBadRequest, err)
		}
		if errors.Is(err, domain.ErrUnknownPeer) {
			return domain.PeerDetails{}, domain.ErrNotJoined
		}
		return domain.PeerDetails{}, err
	}
	p, err := o.requirePeer(conn)
	if err != nil {
		return domain.PeerDetails{}, err
	}
	return p.Details, nil
}

func (o *Orchestrator) WhoAmI(conn domain.ConnID) (WhoAmIResult, error) {
	p, err := o.requirePeer(conn)
	if err != nil {
		return WhoAmIResult{}, err
	}
	return WhoAmIResult{
		ID:        p.ConnID,
		Meeting:   p.MeetingID,
		Name:      p.Details.Name,
		Producers: len(p.Producers),
		Consumers: len(p.Consumers),
	}, nil
}

func (o *Orchestrator) RoomsSnapshot() []core.RoomInfo {
	return o.Rooms.List()
}

func (o *Orchestrator) RoomDetail(meeting domain.MeetingID) (core.RoomDetail, error) {
	info, ok := o.Rooms.Info(meeting)
	if !ok {
		return core.RoomDetail{}, domain.ErrUnknownMeeting
	}
	peers := o.Registry.Snapshot(meeting)
	members := make([]core.MemberDTO, 0, len(peers))
	for _, p := range peers {
		members = append(members, core.MemberDTO{
			ID:        p.ConnID,
			Name:      p.Details.Name,
			JoinedAt:  p.JoinedAt,
			Producers: len(p.Producers),
			Consumers: len(p.Consumers),
		})
	}
	return core.RoomDetail{RoomInfo: info, Members: members}, nil
}
