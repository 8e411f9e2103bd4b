package engine

import (
	"strings"

	"github.com/dkeye/meetsfu/internal/domain"
)

const firstDynamicPayloadType = 100

var (
	videoFeedback = []RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
	audioFeedback = []RtcpFeedback{
		{Type: "transport-cc"},
	}
)

// NewRouterCapabilities completes the configured codecs into the capability
// set a router advertises: dynamic payload types are assigned in order from
// 100 and codecs without explicit feedback get the defaults for their kind.
func NewRouterCapabilities(codecs []RtpCodecCapability) RtpCapabilities {
	caps := RtpCapabilities{Codecs: make([]RtpCodecCapability, 0, len(codecs))}
	next := uint8(firstDynamicPayloadType)
	used := make(map[uint8]bool)
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}
	for _, c := range codecs {
		if c.PreferredPayloadType == 0 {
			for used[next] {
				next++
			}
			c.PreferredPayloadType = next
			used[next] = true
		}
		if len(c.RtcpFeedback) == 0 {
			if c.Kind == domain.KindVideo {
				c.RtcpFeedback = append([]RtcpFeedback(nil), videoFeedback...)
			} else {
				c.RtcpFeedback = append([]RtcpFeedback(nil), audioFeedback...)
			}
		}
		caps.Codecs = append(caps.Codecs, c)
	}
	caps.HeaderExtensions = []RtpHeaderExtension{
		{Kind: domain.KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
		{Kind: domain.KindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
		{Kind: domain.KindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10, Direction: "sendrecv"},
	}
	return caps
}

// IsMediaCodec reports false for retransmission and FEC pseudo-codecs.
func IsMediaCodec(mimeType string) bool {
	sub := strings.ToLower(mimeType)
	if i := strings.IndexByte(sub, '/'); i >= 0 {
		sub = sub[i+1:]
	}
	switch sub {
	case "rtx", "red", "ulpfec", "flexfec":
		return false
	}
	return true
}

func codecMatches(mimeType string, clockRate uint32, channels uint16, cap RtpCodecCapability) bool {
	if !strings.EqualFold(mimeType, cap.MimeType) || clockRate != cap.ClockRate {
		return false
	}
	if strings.HasPrefix(strings.ToLower(mimeType), "audio/") {
		a, b := channels, cap.Channels
		if a == 0 {
			a = 1
		}
		if b == 0 {
			b = 1
		}
		return a == b
	}
	return true
}

// MatchCodec returns the first media codec of the producer that the consumer
// also supports, together with the consumer-side capability entry.
func MatchCodec(producer RtpParameters, consumer RtpCapabilities) (RtpCodecParameters, RtpCodecCapability, bool) {
	for _, pc := range producer.Codecs {
		if !IsMediaCodec(pc.MimeType) {
			continue
		}
		for _, cc := range consumer.Codecs {
			if codecMatches(pc.MimeType, pc.ClockRate, pc.Channels, cc) {
				return pc, cc, true
			}
		}
	}
	return RtpCodecParameters{}, RtpCodecCapability{}, false
}

// CanConsume reports whether a consumer with caps can receive a stream sent with producer.
func CanConsume(producer RtpParameters, caps RtpCapabilities) bool {
	_, _, ok := MatchCodec(producer, caps)
	return ok
}

// SupportsCodec reports whether a router built from caps accepts mimeType at clockRate.
func (caps RtpCapabilities) SupportsCodec(mimeType string, clockRate uint32, channels uint16) (RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if codecMatches(mimeType, clockRate, channels, c) {
			return c, true
		}
	}
	return RtpCodecCapability{}, false
}
