package domain

import (
	"fmt"
	"strings"
)

const MaxMeetingIDLen = 64

type (
	// MeetingID names a room. Every peer that joins the same MeetingID shares one router.
	MeetingID string
	// ConnID identifies one signaling connection, and therefore one peer.
	ConnID string

	TransportID string
	ProducerID  string
	ConsumerID  string
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

type TransportRole string

const (
	RoleProducing TransportRole = "producing"
	RoleConsuming TransportRole = "consuming"
)

// RoleFor maps the wire "consumer" flag to a role.
func RoleFor(consumer bool) TransportRole {
	if consumer {
		return RoleConsuming
	}
	return RoleProducing
}

func ValidateMeetingID(id string) (MeetingID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty meeting id", ErrBadRequest)
	}
	if len(id) > MaxMeetingIDLen {
		return "", fmt.Errorf("%w: meeting id too long", ErrBadRequest)
	}
	return MeetingID(id), nil
}
