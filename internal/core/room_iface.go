package core

import (
	"time"

	"github.com/dkeye/meetsfu/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []domain.ConnID
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID        domain.ConnID `json:"id"`
	Name      string        `json:"name"`
	JoinedAt  time.Time     `json:"joined_at"`
	Producers int           `json:"producers"`
	Consumers int           `json:"consumers"`
}

type RoomInfo struct {
	ID          domain.MeetingID `json:"id"`
	RouterID    string           `json:"router_id"`
	MemberCount int              `json:"client_count"`
	CreatedAt   time.Time        `json:"created_at"`
}

// RoomDetail is RoomInfo plus its members.
type RoomDetail struct {
	RoomInfo
	Members []MemberDTO `json:"members"`
}
