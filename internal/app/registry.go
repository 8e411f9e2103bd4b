package app

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/core"
	"github.com/dkeye/meetsfu/internal/domain"
)

type sessionEntry struct {
	Peer   *domain.Peer
	Signal core.SignalConnection
}

// Member is a joined connection with its signaling endpoint.
type Member struct {
	ConnID  domain.ConnID
	Meeting domain.MeetingID
	Signal  core.SignalConnection
}

// Registry is the peer session store, keyed by connection id. It also keeps
// the last display name per client token so reconnects keep their name.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ConnID]*sessionEntry
	profiles map[string]domain.PeerDetails
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.ConnID]*sessionEntry),
		profiles: make(map[string]domain.PeerDetails),
	}
}

// Profile returns the remembered details of a client, "guest" if unknown.
func (r *Registry) Profile(token string) domain.PeerDetails {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.profiles[token]; ok {
		return d
	}
	d := domain.PeerDetails{Name: "guest"}
	r.profiles[token] = d
	log.Info().Str("module", "app.registry").Str("token", token).Msg("created new profile")
	return d
}

func (r *Registry) SaveProfile(token string, d domain.PeerDetails) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[token] = d
}

func (r *Registry) CreatePeer(conn domain.ConnID, meeting domain.MeetingID, sig core.SignalConnection, details domain.PeerDetails) (*domain.Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[conn]; ok {
		return nil, domain.ErrDuplicatePeer
	}
	p := domain.NewPeer(conn, meeting, details)
	r.sessions[conn] = &sessionEntry{Peer: p, Signal: sig}
	log.Info().Str("module", "app.registry").Str("sid", string(conn)).Str("meeting", string(meeting)).Msg("peer created")
	return p.Clone(), nil
}

// Get returns a copy of the peer.
func (r *Registry) Get(conn domain.ConnID) (*domain.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[conn]
	if !ok {
		return nil, false
	}
	return e.Peer.Clone(), true
}

func (r *Registry) Signal(conn domain.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[conn]
	if !ok {
		return nil, false
	}
	return e.Signal, true
}

func (r *Registry) RoomOf(conn domain.ConnID) (domain.MeetingID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[conn]
	if !ok {
		return "", false
	}
	return e.Peer.MeetingID, true
}

// withPeer runs fn on the live peer under the write lock. commit, when not
// nil, runs after fn succeeds and before fn's changes become visible; if it
// fails the peer is restored.
func (r *Registry) withPeer(conn domain.ConnID, fn func(p *domain.Peer) error, commit func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[conn]
	if !ok {
		return domain.ErrUnknownPeer
	}
	backup := e.Peer.Clone()
	if err := fn(e.Peer); err != nil {
		e.Peer = backup
		return err
	}
	if commit != nil {
		if err := commit(); err != nil {
			e.Peer = backup
			return err
		}
	}
	return nil
}

// AttachTransport records a transport id on the peer. A peer owns at most one
// producing transport.
func (r *Registry) AttachTransport(conn domain.ConnID, id domain.TransportID, role domain.TransportRole, commit func() error) error {
	return r.withPeer(conn, func(p *domain.Peer) error {
		if role == domain.RoleProducing {
			if p.SendTransport != "" {
				return fmt.Errorf("%w: send transport already exists", domain.ErrProtocolViolation)
			}
			p.SendTransport = id
		}
		p.Transports = append(p.Transports, id)
		return nil
	}, commit)
}

// AttachProducer records a producer id. A peer has at most one producer per kind.
func (r *Registry) AttachProducer(conn domain.ConnID, id domain.ProducerID, kind domain.MediaKind, commit func() error) error {
	return r.withPeer(conn, func(p *domain.Peer) error {
		if cur, ok := p.ProducerByKind[kind]; ok {
			return fmt.Errorf("%w: already producing %s as %s", domain.ErrProtocolViolation, kind, cur)
		}
		p.ProducerByKind[kind] = id
		p.Producers = append(p.Producers, id)
		return nil
	}, commit)
}

func (r *Registry) AttachConsumer(conn domain.ConnID, id domain.ConsumerID, commit func() error) error {
	return r.withPeer(conn, func(p *domain.Peer) error {
		p.Consumers = append(p.Consumers, id)
		return nil
	}, commit)
}

// HasProducerKind reports whether the peer already produces kind.
func (r *Registry) HasProducerKind(conn domain.ConnID, kind domain.MediaKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[conn]
	if !ok {
		return false
	}
	_, has := e.Peer.ProducerByKind[kind]
	return has
}

// The Detach methods prune ids of resources closed by the engine. Unknown
// peers and ids are ignored.

func (r *Registry) DetachTransport(conn domain.ConnID, id domain.TransportID) {
	_ = r.withPeer(conn, func(p *domain.Peer) error { p.RemoveTransport(id); return nil }, nil)
}

func (r *Registry) DetachProducer(conn domain.ConnID, id domain.ProducerID) {
	_ = r.withPeer(conn, func(p *domain.Peer) error { p.RemoveProducer(id); return nil }, nil)
}

func (r *Registry) DetachConsumer(conn domain.ConnID, id domain.ConsumerID) {
	_ = r.withPeer(conn, func(p *domain.Peer) error { p.RemoveConsumer(id); return nil }, nil)
}

func (r *Registry) SetName(conn domain.ConnID, name string) error {
	return r.withPeer(conn, func(p *domain.Peer) error { return p.Details.SetName(name) }, nil)
}

// RemovePeer atomically detaches and returns the peer.
func (r *Registry) RemovePeer(conn domain.ConnID) (*domain.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[conn]
	if !ok {
		return nil, false
	}
	delete(r.sessions, conn)
	log.Info().Str("module", "app.registry").Str("sid", string(conn)).Str("meeting", string(e.Peer.MeetingID)).Msg("peer removed")
	return e.Peer, true
}

// MembersOfRoom lists joined connections of a meeting in a stable order.
func (r *Registry) MembersOfRoom(meeting domain.MeetingID) []Member {
	r.mu.RLock()
	out := make([]Member, 0)
	for id, e := range r.sessions {
		if e.Peer.MeetingID == meeting {
			out = append(out, Member{ConnID: id, Meeting: meeting, Signal: e.Signal})
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Member) int {
		switch {
		case a.ConnID < b.ConnID:
			return -1
		case a.ConnID > b.ConnID:
			return 1
		}
		return 0
	})
	return out
}

// Snapshot returns copies of the peers in a meeting.
func (r *Registry) Snapshot(meeting domain.MeetingID) []*domain.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Peer, 0)
	for _, e := range r.sessions {
		if e.Peer.MeetingID == meeting {
			out = append(out, e.Peer.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Peer) int { return a.JoinedAt.Compare(b.JoinedAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
