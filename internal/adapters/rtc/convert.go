package rtc

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meetsfu/internal/domain"
	"github.com/dkeye/meetsfu/internal/engine"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// fmtpLine renders codec parameters in a stable order.
func fmtpLine(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func toFeedback(fb []engine.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func toCodecCapability(c engine.RtpCodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: toFeedback(c.RtcpFeedback),
	}
}

func fromICEParameters(p webrtc.ICEParameters) engine.IceParameters {
	return engine.IceParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		IceLite:          p.ICELite,
	}
}

func fromICECandidate(c webrtc.ICECandidate) engine.IceCandidate {
	return engine.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Address:    c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func toICECandidate(c engine.IceCandidate) (webrtc.ICECandidate, error) {
	typ, err := webrtc.NewICECandidateType(c.Type)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	proto, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	addr := c.Address
	if addr == "" {
		addr = c.IP
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    addr,
		Protocol:   proto,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TCPType,
	}, nil
}

func fromDTLSParameters(p webrtc.DTLSParameters) engine.DtlsParameters {
	out := engine.DtlsParameters{Role: "auto"}
	if p.Role == webrtc.DTLSRoleServer {
		out.Role = "server"
	} else if p.Role == webrtc.DTLSRoleClient {
		out.Role = "client"
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, engine.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

// toDTLSParameters converts the remote side's parameters. A remote "client"
// means this side acts as DTLS server.
func toDTLSParameters(p engine.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func dtlsState(s webrtc.DTLSTransportState) string {
	switch s {
	case webrtc.DTLSTransportStateConnecting:
		return engine.DtlsStateConnecting
	case webrtc.DTLSTransportStateConnected:
		return engine.DtlsStateConnected
	case webrtc.DTLSTransportStateFailed:
		return engine.DtlsStateFailed
	case webrtc.DTLSTransportStateClosed:
		return engine.DtlsStateClosed
	default:
		return s.String()
	}
}

// receiveParameters maps the producer's first encoding to pion decoding parameters.
func receiveParameters(p engine.RtpParameters) (webrtc.RTPReceiveParameters, error) {
	if len(p.Encodings) == 0 || p.Encodings[0].Ssrc == 0 {
		return webrtc.RTPReceiveParameters{}, fmt.Errorf("rtpParameters.encodings[0].ssrc is required")
	}
	var pt uint8
	for _, c := range p.Codecs {
		if engine.IsMediaCodec(c.MimeType) {
			pt = c.PayloadType
			break
		}
	}
	if pt == 0 {
		return webrtc.RTPReceiveParameters{}, fmt.Errorf("rtpParameters has no media codec")
	}
	enc := webrtc.RTPDecodingParameters{RTPCodingParameters: webrtc.RTPCodingParameters{
		SSRC:        webrtc.SSRC(p.Encodings[0].Ssrc),
		PayloadType: webrtc.PayloadType(pt),
	}}
	if rtx := p.Encodings[0].Rtx; rtx != nil && rtx.Ssrc != 0 {
		enc.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(rtx.Ssrc)}
	}
	return webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{enc}}, nil
}
