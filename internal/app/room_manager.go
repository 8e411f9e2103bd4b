package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/meetsfu/internal/core"
	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

const defaultCreateTimeout = 10 * time.Second

type RoomOptions struct {
	// EvictEmpty closes the router of a room that stayed empty for EmptyGrace.
	// When false, rooms live until the process exits.
	EvictEmpty bool
	EmptyGrace time.Duration
	// CreateTimeout bounds a single CreateRouter call shared by all waiters.
	CreateTimeout time.Duration
}

type room struct {
	id        domain.MeetingID
	router    engine.Router
	members   map[domain.ConnID]struct{}
	createdAt time.Time
	evict     *time.Timer
}

func (r *room) info() core.RoomInfo {
	return core.RoomInfo{
		ID:          r.id,
		RouterID:    r.router.ID(),
		MemberCount: len(r.members),
		CreatedAt:   r.createdAt,
	}
}

// RoomRegistry maps meeting ids to rooms, each owning one engine router.
type RoomRegistry struct {
	gw    engine.Gateway
	opts  RoomOptions
	group singleflight.Group

	mu    sync.RWMutex
	rooms map[domain.MeetingID]*room
}

func NewRoomRegistry(gw engine.Gateway, opts RoomOptions) *RoomRegistry {
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = defaultCreateTimeout
	}
	return &RoomRegistry{gw: gw, opts: opts, rooms: make(map[domain.MeetingID]*room)}
}

func (f *RoomRegistry) lookup(id domain.MeetingID) (*room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rm, ok := f.rooms[id]
	return rm, ok
}

// GetOrCreateRoom returns the router of the meeting, creating it at most once
// even under concurrent callers. No lock is held across the engine call.
// A failed creation is not cached; the next caller tries again.
func (f *RoomRegistry) GetOrCreateRoom(ctx context.Context, id domain.MeetingID, codecs []engine.RtpCodecCapability) (engine.Router, error) {
	if rm, ok := f.lookup(id); ok {
		return rm.router, nil
	}

	ch := f.group.DoChan(string(id), func() (any, error) {
		if rm, ok := f.lookup(id); ok {
			return rm.router, nil
		}
		// Waiters share this call, so it must not die with the first caller's ctx.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.CreateTimeout)
		defer cancel()

		router, err := f.gw.CreateRouter(cctx, codecs)
		if err != nil {
			return nil, fmt.Errorf("%w: create router: %w", domain.ErrGatewayFailure, err)
		}

		f.mu.Lock()
		f.rooms[id] = &room{
			id:        id,
			router:    router,
			members:   make(map[domain.ConnID]struct{}),
			createdAt: time.Now(),
		}
		f.mu.Unlock()
		log.Info().Str("module", "app.rooms").Str("meeting", string(id)).Str("router", router.ID()).Msg("room created")
		return router, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			log.Error().Err(res.Err).Str("module", "app.rooms").Str("meeting", string(id)).Msg("failed to create room")
			return nil, res.Err
		}
		return res.Val.(engine.Router), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AddMember is idempotent. It fails with ErrUnknownMeeting if the room was
// evicted since GetOrCreateRoom returned.
func (f *RoomRegistry) AddMember(id domain.MeetingID, conn domain.ConnID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rm, ok := f.rooms[id]
	if !ok {
		return domain.ErrUnknownMeeting
	}
	if rm.evict != nil {
		rm.evict.Stop()
		rm.evict = nil
	}
	rm.members[conn] = struct{}{}
	return nil
}

// RemoveMember drops conn from the room. Under the evict_empty policy the
// last leave arms a timer that closes the router if nobody rejoined.
func (f *RoomRegistry) RemoveMember(id domain.MeetingID, conn domain.ConnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rm, ok := f.rooms[id]
	if !ok {
		return
	}
	delete(rm.members, conn)
	if len(rm.members) > 0 || !f.opts.EvictEmpty || rm.evict != nil {
		return
	}
	rm.evict = time.AfterFunc(f.opts.EmptyGrace, func() { f.evictIfEmpty(rm) })
}

func (f *RoomRegistry) evictIfEmpty(rm *room) {
	f.mu.Lock()
	if cur, ok := f.rooms[rm.id]; !ok || cur != rm || len(rm.members) > 0 {
		f.mu.Unlock()
		return
	}
	delete(f.rooms, rm.id)
	f.mu.Unlock()

	if err := rm.router.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.rooms").Str("meeting", string(rm.id)).Msg("router close failed")
	}
	log.Info().Str("module", "app.rooms").Str("meeting", string(rm.id)).Msg("empty room evicted")
}

func (f *RoomRegistry) Router(id domain.MeetingID) (engine.Router, bool) {
	rm, ok := f.lookup(id)
	if !ok {
		return nil, false
	}
	return rm.router, true
}

// Members returns the member ids of a room in a stable order.
func (f *RoomRegistry) Members(id domain.MeetingID) []domain.ConnID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rm, ok := f.rooms[id]
	if !ok {
		return nil
	}
	out := make([]domain.ConnID, 0, len(rm.members))
	for c := range rm.members {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (f *RoomRegistry) Info(id domain.MeetingID) (core.RoomInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rm, ok := f.rooms[id]
	if !ok {
		return core.RoomInfo{}, false
	}
	return rm.info(), true
}

func (f *RoomRegistry) List() []core.RoomInfo {
	f.mu.RLock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for _, r := range f.rooms {
		out = append(out, r.info())
	}
	f.mu.RUnlock()
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// Close closes every router. Used on shutdown.
func (f *RoomRegistry) Close() {
	f.mu.Lock()
	rooms := f.rooms
	f.rooms = make(map[domain.MeetingID]*room)
	f.mu.Unlock()

	for _, rm := range rooms {
		if rm.evict != nil {
			rm.evict.Stop()
		}
		if err := rm.router.Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.rooms").Str("meeting", string(rm.id)).Msg("router close failed")
		}
	}
}
