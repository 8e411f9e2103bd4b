package app

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

type TransportRecord struct {
	ID        domain.TransportID
	Owner     domain.ConnID
	Meeting   domain.MeetingID
	Role      domain.TransportRole
	Connected bool
	Transport engine.Transport
}

type ProducerRecord struct {
	ID          domain.ProducerID
	Owner       domain.ConnID
	Meeting     domain.MeetingID
	TransportID domain.TransportID
	Kind        domain.MediaKind
	Producer    engine.Producer
	seq         uint64
}

type ConsumerRecord struct {
	ID          domain.ConsumerID
	Owner       domain.ConnID
	Meeting     domain.MeetingID
	TransportID domain.TransportID
	ProducerID  domain.ProducerID
	Consumer    engine.Consumer
}

// RemovedCounts reports how many records a bulk removal dropped.
type RemovedCounts struct {
	Consumers  int `json:"consumers"`
	Producers  int `json:"producers"`
	Transports int `json:"transports"`
}

// table indexes records by id, owner and meeting, and optionally by one
// foreign id.
type table[ID ~string, R any] struct {
	byID      map[ID]*R
	byOwner   map[domain.ConnID]map[ID]struct{}
	byMeeting map[domain.MeetingID]map[ID]struct{}
	byRef     map[string]map[ID]struct{}
	keys      func(*R) (ID, domain.ConnID, domain.MeetingID)
	ref       func(*R) string
}

func newTable[ID ~string, R any](keys func(*R) (ID, domain.ConnID, domain.MeetingID)) *table[ID, R] {
	return &table[ID, R]{
		byID:      make(map[ID]*R),
		byOwner:   make(map[domain.ConnID]map[ID]struct{}),
		byMeeting: make(map[domain.MeetingID]map[ID]struct{}),
		keys:      keys,
	}
}

// indexRef adds the foreign id index; consumers use it for their producer.
func (t *table[ID, R]) indexRef(ref func(*R) string) *table[ID, R] {
	t.ref = ref
	t.byRef = make(map[string]map[ID]struct{})
	return t
}

func addKey[K comparable, ID comparable](m map[K]map[ID]struct{}, k K, id ID) {
	set, ok := m[k]
	if !ok {
		set = make(map[ID]struct{})
		m[k] = set
	}
	set[id] = struct{}{}
}

func dropKey[K comparable, ID comparable](m map[K]map[ID]struct{}, k K, id ID) {
	if set, ok := m[k]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, k)
		}
	}
}

func (t *table[ID, R]) put(r *R) bool {
	id, owner, meeting := t.keys(r)
	if _, ok := t.byID[id]; ok {
		return false
	}
	t.byID[id] = r
	addKey(t.byOwner, owner, id)
	addKey(t.byMeeting, meeting, id)
	if t.ref != nil {
		addKey(t.byRef, t.ref(r), id)
	}
	return true
}

func (t *table[ID, R]) remove(id ID) (*R, bool) {
	r, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	_, owner, meeting := t.keys(r)
	delete(t.byID, id)
	dropKey(t.byOwner, owner, id)
	dropKey(t.byMeeting, meeting, id)
	if t.ref != nil {
		dropKey(t.byRef, t.ref(r), id)
	}
	return r, true
}

func sortedIDs[ID ~string](set map[ID]struct{}) []ID {
	out := make([]ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *table[ID, R]) removeOwner(owner domain.ConnID) []*R {
	ids := sortedIDs(t.byOwner[owner])
	out := make([]*R, 0, len(ids))
	for _, id := range ids {
		if r, ok := t.remove(id); ok {
			out = append(out, r)
		}
	}
	return out
}

func (t *table[ID, R]) ownedBy(owner domain.ConnID) []R {
	ids := sortedIDs(t.byOwner[owner])
	out := make([]R, 0, len(ids))
	for _, id := range ids {
		out = append(out, *t.byID[id])
	}
	return out
}

func (t *table[ID, R]) inMeeting(meeting domain.MeetingID) []*R {
	ids := sortedIDs(t.byMeeting[meeting])
	out := make([]*R, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.byID[id])
	}
	return out
}

// Ledger is the resource ledger: every transport, producer and consumer
// handed out by the engine, with its owner and meeting. Lookups return
// copies; engine handles are closed outside the lock.
type Ledger struct {
	mu         sync.RWMutex
	seq        uint64
	transports *table[domain.TransportID, TransportRecord]
	producers  *table[domain.ProducerID, ProducerRecord]
	consumers  *table[domain.ConsumerID, ConsumerRecord]
}

func NewLedger() *Ledger {
	return &Ledger{
		transports: newTable(func(r *TransportRecord) (domain.TransportID, domain.ConnID, domain.MeetingID) {
			return r.ID, r.Owner, r.Meeting
		}),
		producers: newTable(func(r *ProducerRecord) (domain.ProducerID, domain.ConnID, domain.MeetingID) {
			return r.ID, r.Owner, r.Meeting
		}),
		consumers: newTable(func(r *ConsumerRecord) (domain.ConsumerID, domain.ConnID, domain.MeetingID) {
			return r.ID, r.Owner, r.Meeting
		}).indexRef(func(r *ConsumerRecord) string { return string(r.ProducerID) }),
	}
}

func (l *Ledger) AddTransport(rec TransportRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.transports.put(&rec) {
		return fmt.Errorf("%w: transport %s already recorded", domain.ErrProtocolViolation, rec.ID)
	}
	return nil
}

func (l *Ledger) AddProducer(rec ProducerRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	rec.seq = l.seq
	if !l.producers.put(&rec) {
		return fmt.Errorf("%w: producer %s already recorded", domain.ErrProtocolViolation, rec.ID)
	}
	return nil
}

func (l *Ledger) AddConsumer(rec ConsumerRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.consumers.put(&rec) {
		return fmt.Errorf("%w: consumer %s already recorded", domain.ErrProtocolViolation, rec.ID)
	}
	return nil
}

func (l *Ledger) Transport(id domain.TransportID) (TransportRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.transports.byID[id]
	if !ok {
		return TransportRecord{}, false
	}
	return *r, true
}

func (l *Ledger) Producer(id domain.ProducerID) (ProducerRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.producers.byID[id]
	if !ok {
		return ProducerRecord{}, false
	}
	return *r, true
}

func (l *Ledger) Consumer(id domain.ConsumerID) (ConsumerRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.consumers.byID[id]
	if !ok {
		return ConsumerRecord{}, false
	}
	return *r, true
}

// FindProducingTransport returns the send transport of conn.
func (l *Ledger) FindProducingTransport(conn domain.ConnID) (TransportRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id := range l.transports.byOwner[conn] {
		if r := l.transports.byID[id]; r.Role == domain.RoleProducing {
			return *r, nil
		}
	}
	return TransportRecord{}, domain.ErrNoSendTransport
}

// FindConsumingTransport returns transport id if it is a receive transport owned by conn.
func (l *Ledger) FindConsumingTransport(conn domain.ConnID, id domain.TransportID) (TransportRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.transports.byID[id]
	if !ok || r.Owner != conn {
		return TransportRecord{}, fmt.Errorf("%w: %s", domain.ErrUnknownTransport, id)
	}
	if r.Role != domain.RoleConsuming {
		return TransportRecord{}, fmt.Errorf("%w: %s is not a receive transport", domain.ErrProtocolViolation, id)
	}
	return *r, nil
}

func (l *Ledger) MarkConnected(id domain.TransportID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.transports.byID[id]; ok {
		r.Connected = true
	}
}

// ListProducersInRoom returns the producers of meeting not owned by excluding,
// oldest first.
func (l *Ledger) ListProducersInRoom(meeting domain.MeetingID, excluding domain.ConnID) []ProducerRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ProducerRecord, 0)
	for _, r := range l.producers.inMeeting(meeting) {
		if r.Owner != excluding {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b ProducerRecord) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

func (l *Ledger) TransportsOf(conn domain.ConnID) []TransportRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.transports.ownedBy(conn)
}

func (l *Ledger) ProducersOf(conn domain.ConnID) []ProducerRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.producers.ownedBy(conn)
}

func (l *Ledger) ConsumersOf(conn domain.ConnID) []ConsumerRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.consumers.ownedBy(conn)
}

// ConsumersOnTransport counts the consumers still attached to a transport.
func (l *Ledger) ConsumersOnTransport(id domain.TransportID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.consumersOnTransport(id)
}

func (l *Ledger) consumersOnTransport(id domain.TransportID) int {
	tr, ok := l.transports.byID[id]
	if !ok {
		return 0
	}
	n := 0
	for cid := range l.consumers.byOwner[tr.Owner] {
		if l.consumers.byID[cid].TransportID == id {
			n++
		}
	}
	return n
}

// closeAll closes handles concurrently and waits. Errors are logged: a handle
// may already be closed by the engine.
func closeAll[T any](items []T, kind string, closeFn func(T) (string, error)) {
	var wg conc.WaitGroup
	for _, it := range items {
		wg.Go(func() {
			id, err := closeFn(it)
			if err != nil {
				log.Debug().Err(err).Str("module", "app.ledger").Str(kind, id).Msg("close failed")
			}
		})
	}
	wg.Wait()
}

func closeConsumers(recs []*ConsumerRecord) {
	closeAll(recs, "consumer", func(r *ConsumerRecord) (string, error) {
		if r.Consumer == nil {
			return string(r.ID), nil
		}
		return string(r.ID), r.Consumer.Close()
	})
}

func closeProducers(recs []*ProducerRecord) {
	closeAll(recs, "producer", func(r *ProducerRecord) (string, error) {
		if r.Producer == nil {
			return string(r.ID), nil
		}
		return string(r.ID), r.Producer.Close()
	})
}

func closeTransports(recs []*TransportRecord) {
	closeAll(recs, "transport", func(r *TransportRecord) (string, error) {
		if r.Transport == nil {
			return string(r.ID), nil
		}
		return string(r.ID), r.Transport.Close()
	})
}

// RemoveAndCloseByOwner drops every record owned by conn, then closes the
// handles: consumers first, producers next, transports last. Safe to call
// when conn owns nothing.
func (l *Ledger) RemoveAndCloseByOwner(conn domain.ConnID) RemovedCounts {
	l.mu.Lock()
	consumers := l.consumers.removeOwner(conn)
	producers := l.producers.removeOwner(conn)
	transports := l.transports.removeOwner(conn)
	l.mu.Unlock()

	closeConsumers(consumers)
	closeProducers(producers)
	closeTransports(transports)

	counts := RemovedCounts{Consumers: len(consumers), Producers: len(producers), Transports: len(transports)}
	if counts != (RemovedCounts{}) {
		log.Info().
			Str("module", "app.ledger").
			Str("sid", string(conn)).
			Int("consumers", counts.Consumers).
			Int("producers", counts.Producers).
			Int("transports", counts.Transports).
			Msg("owner resources closed")
	}
	return counts
}

// RemoveConsumerByRemoteProducer drops and closes every consumer of producer
// and returns the removed records.
func (l *Ledger) RemoveConsumerByRemoteProducer(producer domain.ProducerID) []ConsumerRecord {
	l.mu.Lock()
	ids := sortedIDs(l.consumers.byRef[string(producer)])
	removed := make([]*ConsumerRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := l.consumers.remove(id); ok {
			removed = append(removed, r)
		}
	}
	l.mu.Unlock()

	closeConsumers(removed)
	out := make([]ConsumerRecord, 0, len(removed))
	for _, r := range removed {
		out = append(out, *r)
	}
	return out
}

// RemoveProducer drops the record without closing the handle.
func (l *Ledger) RemoveProducer(id domain.ProducerID) (ProducerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.producers.remove(id)
	if !ok {
		return ProducerRecord{}, false
	}
	return *r, true
}

func (l *Ledger) RemoveConsumer(id domain.ConsumerID) (ConsumerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.consumers.remove(id)
	if !ok {
		return ConsumerRecord{}, false
	}
	return *r, true
}

func (l *Ledger) RemoveTransport(id domain.TransportID) (TransportRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.transports.remove(id)
	if !ok {
		return TransportRecord{}, false
	}
	return *r, true
}

// RemoveTransportIfUnused drops a transport only when no consumer is recorded
// on it. The check and the removal are atomic with AddConsumer.
func (l *Ledger) RemoveTransportIfUnused(id domain.TransportID) (TransportRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consumersOnTransport(id) > 0 {
		return TransportRecord{}, false
	}
	r, ok := l.transports.remove(id)
	if !ok {
		return TransportRecord{}, false
	}
	return *r, true
}

// RemoveByTransport drops the transport and every producer and consumer
// created on it. Handles are not closed: the engine closed them already.
func (l *Ledger) RemoveByTransport(id domain.TransportID) (TransportRecord, []ProducerRecord, []ConsumerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tr, ok := l.transports.remove(id)
	if !ok {
		return TransportRecord{}, nil, nil, false
	}
	var producers []ProducerRecord
	for _, pid := range sortedIDs(l.producers.byOwner[tr.Owner]) {
		if p := l.producers.byID[pid]; p.TransportID == id {
			l.producers.remove(pid)
			producers = append(producers, *p)
		}
	}
	var consumers []ConsumerRecord
	for _, cid := range sortedIDs(l.consumers.byOwner[tr.Owner]) {
		if c := l.consumers.byID[cid]; c.TransportID == id {
			l.consumers.remove(cid)
			consumers = append(consumers, *c)
		}
	}
	return *tr, producers, consumers, true
}

// HasOwner reports whether any record still references conn.
func (l *Ledger) HasOwner(conn domain.ConnID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.transports.byOwner[conn])+len(l.producers.byOwner[conn])+len(l.consumers.byOwner[conn]) > 0
}

func (l *Ledger) Counts() RemovedCounts {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return RemovedCounts{
		Consumers:  len(l.consumers.byID),
		Producers:  len(l.producers.byID),
		Transports: len(l.transports.byID),
	}
}
