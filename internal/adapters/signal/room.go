package signal

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/domain"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, c *WsSignalConn, req *Request) (any, error) {
	var p struct {
		MeetingID string `json:"meetingId"`
		RoomName  string `json:"roomName"`
		Name      string `json:"name,omitempty"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, errors.Join(domain.ErrBadRequest, err)
	}
	meeting := p.MeetingID
	if meeting == "" {
		meeting = p.RoomName
	}

	details := ctl.Orch.Registry.Profile(c.token)
	if p.Name != "" {
		if err := details.SetName(p.Name); err != nil {
			return nil, errors.Join(domain.ErrBadRequest, err)
		}
		ctl.Orch.Registry.SaveProfile(c.token, details)
		log.Info().Str("module", "signal").Str("sid", string(c.id)).Str("name", p.Name).Msg("rename on join")
	}

	res, err := ctl.Orch.Join(ctx, c.id, meeting, c, details)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (ctl *SignalWSController) handleGetProducers(_ context.Context, c *WsSignalConn, _ *Request) (any, error) {
	ids, err := ctl.Orch.GetProducers(c.id)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
