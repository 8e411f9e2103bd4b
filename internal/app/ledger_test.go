package app

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

// closeLog records the kind of each closed handle in order.
type closeLog struct {
	mu    sync.Mutex
	kinds []string
}

func (l *closeLog) add(kind string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, kind)
}

type stubTransport struct {
	engine.Transport
	log *closeLog
}

func (s stubTransport) Close() error { s.log.add("transport"); return nil }

type stubProducer struct {
	engine.Producer
	log *closeLog
}

func (s stubProducer) Close() error { s.log.add("producer"); return nil }

type stubConsumer struct {
	engine.Consumer
	log *closeLog
}

func (s stubConsumer) Close() error { s.log.add("consumer"); return nil }

func fillLedger(t *testing.T, l *Ledger, cl *closeLog) {
	t.Helper()
	require.NoError(t, l.AddTransport(TransportRecord{ID: "ts", Owner: "a", Meeting: "m1", Role: domain.RoleProducing, Transport: stubTransport{log: cl}}))
	require.NoError(t, l.AddTransport(TransportRecord{ID: "tr", Owner: "a", Meeting: "m1", Role: domain.RoleConsuming, Transport: stubTransport{log: cl}}))
	require.NoError(t, l.AddProducer(ProducerRecord{ID: "pa", Owner: "a", Meeting: "m1", TransportID: "ts", Kind: domain.KindAudio, Producer: stubProducer{log: cl}}))
	require.NoError(t, l.AddProducer(ProducerRecord{ID: "pv", Owner: "a", Meeting: "m1", TransportID: "ts", Kind: domain.KindVideo, Producer: stubProducer{log: cl}}))
	require.NoError(t, l.AddProducer(ProducerRecord{ID: "pb", Owner: "b", Meeting: "m1", Kind: domain.KindVideo, Producer: stubProducer{log: cl}}))
	require.NoError(t, l.AddConsumer(ConsumerRecord{ID: "c1", Owner: "a", Meeting: "m1", TransportID: "tr", ProducerID: "pb", Consumer: stubConsumer{log: cl}}))
}

func TestRemoveAndCloseByOwnerClosesInOrder(t *testing.T) {
	cl := &closeLog{}
	l := NewLedger()
	fillLedger(t, l, cl)

	counts := l.RemoveAndCloseByOwner("a")
	assert.Equal(t, RemovedCounts{Consumers: 1, Producers: 2, Transports: 2}, counts)
	assert.Equal(t, []string{"consumer", "producer", "producer", "transport", "transport"}, cl.kinds)

	assert.False(t, l.HasOwner("a"))
	assert.True(t, l.HasOwner("b"))
	assert.Equal(t, RemovedCounts{Producers: 1}, l.Counts())

	assert.Equal(t, RemovedCounts{}, l.RemoveAndCloseByOwner("a"))
	assert.Equal(t, RemovedCounts{}, l.RemoveAndCloseByOwner("nobody"))
}

func TestAddRejectsDuplicateIDs(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.AddTransport(TransportRecord{ID: "t", Owner: "a", Meeting: "m"}))
	assert.ErrorIs(t, l.AddTransport(TransportRecord{ID: "t", Owner: "b", Meeting: "m"}), domain.ErrProtocolViolation)
}

func TestFindProducingTransport(t *testing.T) {
	l := NewLedger()
	_, err := l.FindProducingTransport("a")
	require.ErrorIs(t, err, domain.ErrNoSendTransport)

	require.NoError(t, l.AddTransport(TransportRecord{ID: "tr", Owner: "a", Meeting: "m1", Role: domain.RoleConsuming}))
	_, err = l.FindProducingTransport("a")
	require.ErrorIs(t, err, domain.ErrNoSendTransport)

	require.NoError(t, l.AddTransport(TransportRecord{ID: "ts", Owner: "a", Meeting: "m1", Role: domain.RoleProducing}))
	rec, err := l.FindProducingTransport("a")
	require.NoError(t, err)
	assert.Equal(t, domain.TransportID("ts"), rec.ID)
	assert.False(t, rec.Connected)

	l.MarkConnected("ts")
	rec, _ = l.FindProducingTransport("a")
	assert.True(t, rec.Connected)

	_, err = l.FindConsumingTransport("a", "ts")
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	_, err = l.FindConsumingTransport("b", "tr")
	assert.ErrorIs(t, err, domain.ErrUnknownTransport)
	_, err = l.FindConsumingTransport("a", "tr")
	assert.NoError(t, err)
}

func TestListProducersInRoomExcludesOwnerAndOtherRooms(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.AddProducer(ProducerRecord{ID: "z", Owner: "b", Meeting: "m1", Kind: domain.KindAudio}))
	require.NoError(t, l.AddProducer(ProducerRecord{ID: "a", Owner: "c", Meeting: "m1", Kind: domain.KindVideo}))
	require.NoError(t, l.AddProducer(ProducerRecord{ID: "mine", Owner: "a", Meeting: "m1", Kind: domain.KindVideo}))
	require.NoError(t, l.AddProducer(ProducerRecord{ID: "far", Owner: "d", Meeting: "m2", Kind: domain.KindVideo}))

	list := l.ListProducersInRoom("m1", "a")
	require.Len(t, list, 2)
	assert.Equal(t, domain.ProducerID("z"), list[0].ID, "oldest first")
	assert.Equal(t, domain.ProducerID("a"), list[1].ID)
	assert.Empty(t, l.ListProducersInRoom("m3", ""))
}

func TestRemoveConsumerByRemoteProducer(t *testing.T) {
	cl := &closeLog{}
	l := NewLedger()
	fillLedger(t, l, cl)
	require.NoError(t, l.AddConsumer(ConsumerRecord{ID: "c2", Owner: "c", Meeting: "m1", TransportID: "x", ProducerID: "pb", Consumer: stubConsumer{log: cl}}))
	require.NoError(t, l.AddConsumer(ConsumerRecord{ID: "c3", Owner: "c", Meeting: "m1", TransportID: "x", ProducerID: "pa", Consumer: stubConsumer{log: cl}}))

	removed := l.RemoveConsumerByRemoteProducer("pb")
	require.Len(t, removed, 2)
	assert.Equal(t, domain.ConsumerID("c1"), removed[0].ID)
	assert.Equal(t, domain.ConsumerID("c2"), removed[1].ID)
	assert.Equal(t, []string{"consumer", "consumer"}, cl.kinds)

	_, ok := l.Consumer("c3")
	assert.True(t, ok)
	assert.Empty(t, l.RemoveConsumerByRemoteProducer("pb"))
}

func TestRemoveByTransportAndConsumersOnTransport(t *testing.T) {
	cl := &closeLog{}
	l := NewLedger()
	fillLedger(t, l, cl)
	assert.Equal(t, 1, l.ConsumersOnTransport("tr"))
	assert.Equal(t, 0, l.ConsumersOnTransport("ts"))

	tr, producers, consumers, ok := l.RemoveByTransport("ts")
	require.True(t, ok)
	assert.Equal(t, domain.RoleProducing, tr.Role)
	assert.Len(t, producers, 2)
	assert.Empty(t, consumers)
	assert.Empty(t, cl.kinds, "engine already closed them")

	_, _, consumers, ok = l.RemoveByTransport("tr")
	require.True(t, ok)
	assert.Len(t, consumers, 1)
	_, _, _, ok = l.RemoveByTransport("tr")
	assert.False(t, ok)
	assert.Equal(t, RemovedCounts{Producers: 1}, l.Counts())
}

func TestProducerIndexFollowsEveryRemoval(t *testing.T) {
	cl := &closeLog{}
	l := NewLedger()
	fillLedger(t, l, cl)
	require.NoError(t, l.AddConsumer(ConsumerRecord{ID: "c2", Owner: "c", Meeting: "m1", TransportID: "x", ProducerID: "pb", Consumer: stubConsumer{log: cl}}))

	_, ok := l.RemoveConsumer("c2")
	require.True(t, ok)
	l.RemoveAndCloseByOwner("a")
	assert.Empty(t, l.consumers.byRef, "index emptied with the consumers")
	assert.Empty(t, l.RemoveConsumerByRemoteProducer("pb"))

	require.NoError(t, l.AddConsumer(ConsumerRecord{ID: "c2", Owner: "c", Meeting: "m1", TransportID: "x", ProducerID: "pb", Consumer: stubConsumer{log: cl}}))
	removed := l.RemoveConsumerByRemoteProducer("pb")
	require.Len(t, removed, 1)
	assert.Equal(t, domain.ConsumerID("c2"), removed[0].ID)
}

func TestRemoveTransportIfUnused(t *testing.T) {
	cl := &closeLog{}
	l := NewLedger()
	fillLedger(t, l, cl)

	_, ok := l.RemoveTransportIfUnused("tr")
	assert.False(t, ok, "c1 still uses it")

	_, ok = l.RemoveConsumer("c1")
	require.True(t, ok)
	tr, ok := l.RemoveTransportIfUnused("tr")
	require.True(t, ok)
	assert.Equal(t, domain.RoleConsuming, tr.Role)
	_, ok = l.RemoveTransportIfUnused("tr")
	assert.False(t, ok)
	assert.Empty(t, cl.kinds, "handles are left to the caller")
}
