package app

import "github.com/dkeye/meetsfu/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

// Policy decides what to do with a member whose signaling queue is full.
type Policy interface {
	OnBackPressure(meeting domain.MeetingID, conn domain.ConnID) BackpressureAction
}

// SimplePolicy kicks slow members: a client that cannot keep up with
// signaling would miss new-producer and producer-closed pushes anyway.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.MeetingID, domain.ConnID) BackpressureAction {
	return KickMember
}
