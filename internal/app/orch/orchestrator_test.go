package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meetsfu/internal/app"
	"github.com/dkeye/meetsfu/internal/core"
	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
	"github.com/dkeye/meetsfu/internal/engine/enginetest"
)

type push struct {
	Event   string
	Payload any
}

type fakeSignal struct {
	mu     sync.Mutex
	pushes []push
	full   atomic.Bool
	closed atomic.Bool
}

func (f *fakeSignal) Push(event string, payload any) error {
	if f.full.Load() {
		return core.ErrBackpressure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{Event: event, Payload: payload})
	return nil
}

func (f *fakeSignal) Close() { f.closed.Store(true) }

func (f *fakeSignal) events(name string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, p := range f.pushes {
		if p.Event == name {
			out = append(out, p.Payload)
		}
	}
	return out
}

type harness struct {
	t  *testing.T
	gw *enginetest.Gateway
	o  *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := enginetest.New()
	o := &Orchestrator{
		Rooms:            app.NewRoomRegistry(gw, app.RoomOptions{}),
		Registry:         app.NewRegistry(),
		Ledger:           app.NewLedger(),
		Policy:           app.SimplePolicy{},
		Engine:           gw,
		Codecs:           enginetest.DefaultCodecs(),
		TransportOptions: engine.TransportOptions{EnableUDP: true},
	}
	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = gw.Close()
	})
	return &harness{t: t, gw: gw, o: o}
}

func (h *harness) join(conn domain.ConnID, meeting string) *fakeSignal {
	h.t.Helper()
	sig := &fakeSignal{}
	res, err := h.o.Join(context.Background(), conn, meeting, sig, domain.PeerDetails{Name: string(conn)})
	require.NoError(h.t, err)
	require.NotEmpty(h.t, res.RtpCapabilities.Codecs)
	return sig
}

func (h *harness) sendTransport(conn domain.ConnID) engine.TransportParams {
	h.t.Helper()
	params, err := h.o.CreateTransport(context.Background(), conn, false)
	require.NoError(h.t, err)
	require.NoError(h.t, h.o.ConnectTransport(context.Background(), conn, engine.ConnectOptions{DtlsParameters: enginetest.Dtls()}))
	return params
}

func (h *harness) recvTransport(conn domain.ConnID) domain.TransportID {
	h.t.Helper()
	params, err := h.o.CreateTransport(context.Background(), conn, true)
	require.NoError(h.t, err)
	id := domain.TransportID(params.ID)
	require.NoError(h.t, h.o.ConnectRecvTransport(context.Background(), conn, id, engine.ConnectOptions{DtlsParameters: enginetest.Dtls()}))
	return id
}

func (h *harness) produce(conn domain.ConnID, kind domain.MediaKind) ProduceResult {
	h.t.Helper()
	params := enginetest.AudioParams()
	if kind == domain.KindVideo {
		params = enginetest.VideoParams()
	}
	res, err := h.o.Produce(context.Background(), conn, kind, params, nil)
	require.NoError(h.t, err)
	return res
}

func TestMeetingScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sigA := h.join("A", "m1")
	h.sendTransport("A")
	resA := h.produce("A", domain.KindAudio)
	assert.False(t, resA.ProducersExist)

	sigB := h.join("B", "m1")
	h.sendTransport("B")
	resB := h.produce("B", domain.KindVideo)
	assert.True(t, resB.ProducersExist)

	news := sigA.events(EventNewProducer)
	require.Len(t, news, 1)
	assert.Equal(t, resB.ID, news[0].(NewProducerPush).ProducerID)
	assert.Empty(t, sigB.events(EventNewProducer), "A produced before B joined")

	ids, err := h.o.GetProducers("A")
	require.NoError(t, err)
	assert.Equal(t, []domain.ProducerID{resB.ID}, ids)

	recv := h.recvTransport("A")
	params, err := h.o.Consume(ctx, "A", recv, resB.ID, enginetest.ClientCaps())
	require.NoError(t, err)
	assert.Equal(t, resB.ID, params.ProducerID)
	assert.Equal(t, params.ID, params.ServerConsumerID)
	assert.Equal(t, domain.KindVideo, params.Kind)
	require.NoError(t, h.o.ResumeConsumer(ctx, "A", params.ID))

	h.o.Disconnect("B")

	require.Eventually(t, func() bool { return len(sigA.events(EventProducerClosed)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, resB.ID, sigA.events(EventProducerClosed)[0].(ProducerClosedPush).RemoteProducerID)

	require.Eventually(t, func() bool {
		_, open := h.gw.Transport(string(recv))
		return !open
	}, time.Second, 5*time.Millisecond, "recv transport closed in the engine")
	assert.Empty(t, h.o.Ledger.ConsumersOf("A"))
	_, ok := h.o.Ledger.Transport(recv)
	assert.False(t, ok, "recv transport record removed")

	peerA, ok := h.o.Registry.Get("A")
	require.True(t, ok)
	assert.Empty(t, peerA.Consumers)
	assert.NotContains(t, peerA.Transports, recv)
	assert.Len(t, peerA.Transports, 1)
}

func TestProduceWithoutSendTransportIsProtocolViolation(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")

	_, err := h.o.Produce(context.Background(), "A", domain.KindAudio, enginetest.AudioParams(), nil)
	require.ErrorIs(t, err, domain.ErrNoSendTransport)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	assert.Equal(t, "no_send_transport", domain.Code(err))

	err = h.o.ConnectTransport(context.Background(), "A", engine.ConnectOptions{DtlsParameters: enginetest.Dtls()})
	assert.ErrorIs(t, err, domain.ErrNoSendTransport)
}

func TestRequestsBeforeJoinAreRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.CreateTransport(ctx, "X", false)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	_, err = h.o.Consume(ctx, "X", "t", "p", enginetest.ClientCaps())
	assert.ErrorIs(t, err, domain.ErrNotJoined)
	_, err = h.o.GetProducers("X")
	assert.ErrorIs(t, err, domain.ErrNotJoined)
	h.o.Disconnect("X")
}

func TestProduceNeedsConnectedTransportAndOneProducerPerKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.join("A", "m1")

	_, err := h.o.CreateTransport(ctx, "A", false)
	require.NoError(t, err)
	_, err = h.o.Produce(ctx, "A", domain.KindAudio, enginetest.AudioParams(), nil)
	require.ErrorIs(t, err, domain.ErrProtocolViolation)

	require.NoError(t, h.o.ConnectTransport(ctx, "A", engine.ConnectOptions{DtlsParameters: enginetest.Dtls()}))
	err = h.o.ConnectTransport(ctx, "A", engine.ConnectOptions{DtlsParameters: enginetest.Dtls()})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation, "second connect")

	h.produce("A", domain.KindAudio)
	_, err = h.o.Produce(ctx, "A", domain.KindAudio, enginetest.AudioParams(), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	_, err = h.o.Produce(ctx, "A", "screen", enginetest.AudioParams(), nil)
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	h.produce("A", domain.KindVideo)
}

func TestJoinTwiceAndSecondSendTransportAreRejected(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")

	_, err := h.o.Join(context.Background(), "A", "m2", &fakeSignal{}, domain.PeerDetails{})
	require.ErrorIs(t, err, domain.ErrDuplicatePeer)
	assert.Equal(t, "duplicate_peer", domain.Code(err))

	h.sendTransport("A")
	_, err = h.o.CreateTransport(context.Background(), "A", false)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	_, err = h.o.Join(context.Background(), "B", "  ", &fakeSignal{}, domain.PeerDetails{})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestConcurrentJoinsCreateOneRouter(t *testing.T) {
	h := newHarness(t)
	h.gw.RouterDelay = 10 * time.Millisecond

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.o.Join(context.Background(), domain.ConnID(fmt.Sprintf("c%02d", i)), "m1", &fakeSignal{}, domain.PeerDetails{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.gw.RoutersCreated())
	assert.Len(t, h.o.Rooms.Members("m1"), 20)
}

func TestDisconnectLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")
	h.join("B", "m1")
	h.sendTransport("A")
	h.sendTransport("B")
	h.produce("A", domain.KindAudio)
	pb := h.produce("B", domain.KindVideo)
	recv := h.recvTransport("A")
	_, err := h.o.Consume(context.Background(), "A", recv, pb.ID, enginetest.ClientCaps())
	require.NoError(t, err)

	h.o.Disconnect("A")
	h.o.Disconnect("A")

	assert.False(t, h.o.Ledger.HasOwner("A"))
	assert.NotContains(t, h.o.Rooms.Members("m1"), domain.ConnID("A"))
	_, ok := h.o.Registry.Get("A")
	assert.False(t, ok)
	_, ok = h.gw.Transport(string(recv))
	assert.False(t, ok)

	ids, err := h.o.GetProducers("B")
	require.NoError(t, err)
	assert.Empty(t, ids, "A's producer is gone")
	_, ok = h.o.Rooms.Router("m1")
	assert.True(t, ok, "rooms are retained by default")
}

func TestConsumeRejectsIncompatibleCapabilities(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")
	h.join("B", "m1")
	h.sendTransport("B")
	pb := h.produce("B", domain.KindVideo)
	recv := h.recvTransport("A")

	h264Only := engine.RtpCapabilities{Codecs: []engine.RtpCodecCapability{
		{Kind: domain.KindVideo, MimeType: "video/H264", ClockRate: 90000, PreferredPayloadType: 102},
	}}
	_, err := h.o.Consume(context.Background(), "A", recv, pb.ID, h264Only)
	require.ErrorIs(t, err, domain.ErrCannotConsume)
	assert.ErrorIs(t, err, domain.ErrCapabilityMismatch)
	assert.Empty(t, h.o.Ledger.ConsumersOf("A"))
	p, _ := h.o.Registry.Get("A")
	assert.Empty(t, p.Consumers)
}

func TestConsumeValidatesTargets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.join("A", "m1")
	h.join("C", "m2")
	send := h.sendTransport("A")
	pa := h.produce("A", domain.KindAudio)
	h.sendTransport("C")
	pc := h.produce("C", domain.KindAudio)
	recv := h.recvTransport("A")

	_, err := h.o.Consume(ctx, "A", recv, pa.ID, enginetest.ClientCaps())
	assert.ErrorIs(t, err, domain.ErrProtocolViolation, "own producer")
	_, err = h.o.Consume(ctx, "A", recv, pc.ID, enginetest.ClientCaps())
	assert.ErrorIs(t, err, domain.ErrUnknownProducer, "other room")
	_, err = h.o.Consume(ctx, "A", domain.TransportID(send.ID), pa.ID, enginetest.ClientCaps())
	assert.ErrorIs(t, err, domain.ErrProtocolViolation, "send transport")
	_, err = h.o.Consume(ctx, "C", recv, pa.ID, enginetest.ClientCaps())
	assert.Error(t, err, "C is in another room")
}

func TestResumeConsumerIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.join("A", "m1")
	h.join("B", "m1")
	h.sendTransport("B")
	pb := h.produce("B", domain.KindAudio)
	recv := h.recvTransport("A")
	params, err := h.o.Consume(ctx, "A", recv, pb.ID, enginetest.ClientCaps())
	require.NoError(t, err)

	fc, ok := h.gw.Consumer(string(params.ID))
	require.True(t, ok)
	assert.True(t, fc.Paused(), "consumers start paused")

	require.NoError(t, h.o.ResumeConsumer(ctx, "A", params.ID))
	require.NoError(t, h.o.ResumeConsumer(ctx, "A", params.ID))
	assert.False(t, fc.Paused())
	assert.Equal(t, 1, fc.Resumes())

	require.NoError(t, h.o.PauseConsumer(ctx, "A", params.ID))
	assert.True(t, fc.Paused())

	assert.ErrorIs(t, h.o.ResumeConsumer(ctx, "B", params.ID), domain.ErrUnknownConsumer)
	assert.ErrorIs(t, h.o.ResumeConsumer(ctx, "A", "nope"), domain.ErrUnknownConsumer)
}

func TestNewProducerReachesOnlyRoomMembers(t *testing.T) {
	h := newHarness(t)
	sigA := h.join("A", "m1")
	sigB := h.join("B", "m1")
	sigC := h.join("C", "m2")

	h.sendTransport("A")
	pa := h.produce("A", domain.KindVideo)

	require.Len(t, sigB.events(EventNewProducer), 1)
	assert.Equal(t, pa.ID, sigB.events(EventNewProducer)[0].(NewProducerPush).ProducerID)
	assert.Empty(t, sigA.events(EventNewProducer))
	assert.Empty(t, sigC.events(EventNewProducer))
}

func TestTransportCreationFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")
	h.gw.FailTransport.Store(true)

	_, err := h.o.CreateTransport(context.Background(), "A", false)
	require.ErrorIs(t, err, domain.ErrTransportCreation)
	assert.Equal(t, "transport_creation_error", domain.Code(err))
	p, _ := h.o.Registry.Get("A")
	assert.Empty(t, p.Transports)
}

func TestGatewayFailuresAreClassified(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")
	_, err := h.o.CreateTransport(context.Background(), "A", false)
	require.NoError(t, err)

	h.gw.FailConnect.Store(true)
	err = h.o.ConnectTransport(context.Background(), "A", engine.ConnectOptions{DtlsParameters: enginetest.Dtls()})
	require.ErrorIs(t, err, domain.ErrGatewayFailure)
	assert.Equal(t, "gateway_failure", domain.Code(err))

	h.gw.FailRouter.Store(true)
	_, err = h.o.Join(context.Background(), "Z", "fresh", &fakeSignal{}, domain.PeerDetails{})
	require.ErrorIs(t, err, domain.ErrGatewayFailure)
	_, ok := h.o.Registry.Get("Z")
	assert.False(t, ok)
}

func TestSlowMemberIsKicked(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")
	sigB := h.join("B", "m1")
	sigB.full.Store(true)

	h.sendTransport("A")
	h.produce("A", domain.KindAudio)

	assert.True(t, sigB.closed.Load())
	_, ok := h.o.Registry.Get("B")
	assert.False(t, ok)
	assert.NotContains(t, h.o.Rooms.Members("m1"), domain.ConnID("B"))
}

func TestWorkerDeathIsFatal(t *testing.T) {
	h := newHarness(t)
	fatal := make(chan error, 1)
	h.o.OnFatal = func(err error) { fatal <- err }

	h.gw.Emit(engine.Event{Type: engine.EventWorkerDied, Err: errors.New("exit status 1")})
	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, domain.ErrEngineFatal)
		assert.Equal(t, "engine_fatal", domain.Code(err))
	case <-time.After(time.Second):
		t.Fatal("OnFatal not called")
	}
}

func TestDtlsClosedClosesTransport(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")
	params := h.sendTransport("A")
	h.produce("A", domain.KindAudio)

	h.gw.Emit(engine.Event{Type: engine.EventDtlsStateChanged, TransportID: params.ID, DtlsState: engine.DtlsStateClosed})

	require.Eventually(t, func() bool {
		_, ok := h.o.Ledger.Transport(domain.TransportID(params.ID))
		return !ok
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		p, _ := h.o.Registry.Get("A")
		return p.SendTransport == "" && len(p.Producers) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.o.Ledger.ProducersOf("A"))

	// A fresh send transport can be created afterwards.
	h.sendTransport("A")
}

func TestCloseProducerNotifiesConsumers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sigA := h.join("A", "m1")
	h.join("B", "m1")
	h.sendTransport("B")
	pb := h.produce("B", domain.KindAudio)
	recv := h.recvTransport("A")
	_, err := h.o.Consume(ctx, "A", recv, pb.ID, enginetest.ClientCaps())
	require.NoError(t, err)

	assert.ErrorIs(t, h.o.CloseProducer("A", pb.ID), domain.ErrUnknownProducer)
	require.NoError(t, h.o.CloseProducer("B", pb.ID))

	require.Eventually(t, func() bool { return len(sigA.events(EventProducerClosed)) == 1 }, time.Second, 5*time.Millisecond)
	p, _ := h.o.Registry.Get("B")
	assert.Empty(t, p.Producers)
	assert.False(t, h.o.Registry.HasProducerKind("B", domain.KindAudio))
}

func TestRenameWhoAmIAndRoomDetail(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")
	h.join("B", "m1")

	d, err := h.o.Rename("A", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", d.Name)
	_, err = h.o.Rename("A", "this name is definitely too long to be shown")
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	_, err = h.o.Rename("ghost", "x")
	assert.ErrorIs(t, err, domain.ErrNotJoined)

	me, err := h.o.WhoAmI("A")
	require.NoError(t, err)
	assert.Equal(t, domain.MeetingID("m1"), me.Meeting)
	assert.Equal(t, "alice", me.Name)

	detail, err := h.o.RoomDetail("m1")
	require.NoError(t, err)
	assert.Equal(t, 2, detail.MemberCount)
	require.Len(t, detail.Members, 2)
	_, err = h.o.RoomDetail("none")
	assert.ErrorIs(t, err, domain.ErrUnknownMeeting)
	assert.Len(t, h.o.RoomsSnapshot(), 1)

	assert.False(t, h.o.KickFromRoom("m2", "A"))
	assert.True(t, h.o.KickFromRoom("m1", "A"))
	assert.False(t, h.o.Kick("A"))
}

// stall makes the hooked engine call block until release is closed.
func stall() (hook func(), entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	return func() {
		once.Do(func() { close(entered) })
		<-release
	}, entered, release
}

func TestDisconnectDuringProduceLeavesNothing(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")
	sigB := h.join("B", "m1")
	h.sendTransport("A")

	hook, entered, release := stall()
	h.gw.OnProduce = hook
	errc := make(chan error, 1)
	go func() {
		_, err := h.o.Produce(context.Background(), "A", domain.KindAudio, enginetest.AudioParams(), nil)
		errc <- err
	}()
	<-entered
	h.o.Disconnect("A")
	close(release)

	require.ErrorIs(t, <-errc, domain.ErrUnknownPeer)
	assert.False(t, h.o.Ledger.HasOwner("A"))
	assert.Equal(t, app.RemovedCounts{}, h.o.Ledger.Counts())
	assert.Empty(t, sigB.events(EventNewProducer))
	ids, err := h.o.GetProducers("B")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDisconnectDuringConsumeLeavesNothing(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")
	h.join("B", "m1")
	h.sendTransport("B")
	pb := h.produce("B", domain.KindVideo)
	recv := h.recvTransport("A")

	hook, entered, release := stall()
	h.gw.OnConsume = hook
	errc := make(chan error, 1)
	go func() {
		_, err := h.o.Consume(context.Background(), "A", recv, pb.ID, enginetest.ClientCaps())
		errc <- err
	}()
	<-entered
	h.o.Disconnect("A")
	close(release)

	require.ErrorIs(t, <-errc, domain.ErrUnknownPeer)
	assert.False(t, h.o.Ledger.HasOwner("A"))
	assert.Equal(t, app.RemovedCounts{Producers: 1, Transports: 1}, h.o.Ledger.Counts())
}

func TestProducerClosedDuringConsumeRollsBack(t *testing.T) {
	h := newHarness(t)
	h.join("A", "m1")
	h.join("B", "m1")
	h.sendTransport("B")
	pb := h.produce("B", domain.KindAudio)
	recv := h.recvTransport("A")

	hook, entered, release := stall()
	h.gw.OnConsume = hook
	errc := make(chan error, 1)
	go func() {
		_, err := h.o.Consume(context.Background(), "A", recv, pb.ID, enginetest.ClientCaps())
		errc <- err
	}()
	<-entered
	require.NoError(t, h.o.CloseProducer("B", pb.ID))
	close(release)

	require.ErrorIs(t, <-errc, domain.ErrUnknownProducer)
	assert.Empty(t, h.o.Ledger.ConsumersOf("A"))
	peerA, ok := h.o.Registry.Get("A")
	require.True(t, ok)
	assert.Empty(t, peerA.Consumers)
	assert.Equal(t, 0, h.o.Ledger.Counts().Consumers)
}

func TestRecvTransportClosedDuringConsumeRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.join("A", "m1")
	h.join("B", "m1")
	h.sendTransport("B")
	audio := h.produce("B", domain.KindAudio)
	video := h.produce("B", domain.KindVideo)
	recv := h.recvTransport("A")
	_, err := h.o.Consume(ctx, "A", recv, audio.ID, enginetest.ClientCaps())
	require.NoError(t, err)

	hook, entered, release := stall()
	h.gw.OnConsume = hook
	errc := make(chan error, 1)
	go func() {
		_, err := h.o.Consume(ctx, "A", recv, video.ID, enginetest.ClientCaps())
		errc <- err
	}()
	<-entered

	// Losing its only recorded consumer closes the receive transport.
	require.NoError(t, h.o.CloseProducer("B", audio.ID))
	require.Eventually(t, func() bool {
		_, ok := h.o.Ledger.Transport(recv)
		return !ok
	}, time.Second, 5*time.Millisecond)
	close(release)

	require.ErrorIs(t, <-errc, domain.ErrUnknownTransport)
	assert.Empty(t, h.o.Ledger.ConsumersOf("A"))
	peerA, ok := h.o.Registry.Get("A")
	require.True(t, ok)
	assert.Empty(t, peerA.Consumers)
	assert.NotContains(t, peerA.Transports, recv)
}

func TestKickDuringJoinLeavesNoMember(t *testing.T) {
	h := newHarness(t)
	sig := &fakeSignal{}
	testHookPeerCreated = func(conn domain.ConnID) { assert.True(t, h.o.Kick(conn)) }
	t.Cleanup(func() { testHookPeerCreated = func(domain.ConnID) {} })

	_, err := h.o.Join(context.Background(), "A", "m1", sig, domain.PeerDetails{})
	require.ErrorIs(t, err, domain.ErrUnknownPeer)
	assert.True(t, sig.closed.Load())
	assert.Empty(t, h.o.Rooms.Members("m1"))
	_, ok := h.o.Registry.Get("A")
	assert.False(t, ok)
}
