// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"slices"
	"time"
)

const MaxNameLen = 36

var ErrNameTooLong = errors.New("name too long")

// PeerDetails is the descriptive part of a peer. IsAdmin is a placeholder and is never set.
type PeerDetails struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

func (d *PeerDetails) SetName(name string) error {
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	d.Name = name
	return nil
}

// Peer is one joined connection. It only keeps ids; engine handles live in the ledger.
type Peer struct {
	ConnID    ConnID
	MeetingID MeetingID
	Details   PeerDetails
	JoinedAt  time.Time

	// SendTransport is the single producing transport, empty until created.
	SendTransport TransportID
	// ProducerByKind holds at most one producer per media kind.
	ProducerByKind map[MediaKind]ProducerID

	Transports []TransportID
	Producers  []ProducerID
	Consumers  []ConsumerID
}

func NewPeer(conn ConnID, meeting MeetingID, details PeerDetails) *Peer {
	return &Peer{
		ConnID:         conn,
		MeetingID:      meeting,
		Details:        details,
		JoinedAt:       time.Now(),
		ProducerByKind: make(map[MediaKind]ProducerID),
	}
}

// Clone returns a copy that is safe to read without the owner's lock.
func (p *Peer) Clone() *Peer {
	cp := *p
	cp.ProducerByKind = make(map[MediaKind]ProducerID, len(p.ProducerByKind))
	for k, v := range p.ProducerByKind {
		cp.ProducerByKind[k] = v
	}
	cp.Transports = slices.Clone(p.Transports)
	cp.Producers = slices.Clone(p.Producers)
	cp.Consumers = slices.Clone(p.Consumers)
	return &cp
}

func (p *Peer) RemoveTransport(id TransportID) {
	p.Transports = slices.DeleteFunc(p.Transports, func(t TransportID) bool { return t == id })
	if p.SendTransport == id {
		p.SendTransport = ""
	}
}

func (p *Peer) RemoveProducer(id ProducerID) {
	p.Producers = slices.DeleteFunc(p.Producers, func(x ProducerID) bool { return x == id })
	for k, v := range p.ProducerByKind {
		if v == id {
			delete(p.ProducerByKind, k)
		}
	}
}

func (p *Peer) RemoveConsumer(id ConsumerID) {
	p.Consumers = slices.DeleteFunc(p.Consumers, func(x ConsumerID) bool { return x == id })
}
