package signal

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meetsfu/internal/app/orch"
	"github.com/dkeye/meetsfu/internal/domain"
)

// handleRename stores the name on the client profile and, once joined, on the peer.
func (ctl *SignalWSController) handleRename(_ context.Context, c *WsSignalConn, req *Request) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, badRequest(err)
	}
	if p.Name == "" {
		return nil, badRequest(errors.New("empty name"))
	}

	profile := ctl.Orch.Registry.Profile(c.token)
	if err := profile.SetName(p.Name); err != nil {
		return nil, badRequest(err)
	}
	ctl.Orch.Registry.SaveProfile(c.token, profile)
	log.Info().Str("module", "signal").Str("sid", string(c.id)).Str("name", p.Name).Msg("rename")

	details, err := ctl.Orch.Rename(c.id, p.Name)
	if errors.Is(err, domain.ErrNotJoined) {
		return profile, nil
	}
	if err != nil {
		return nil, err
	}
	return details, nil
}

func (ctl *SignalWSController) handleWhoAmI(_ context.Context, c *WsSignalConn, _ *Request) (any, error) {
	res, err := ctl.Orch.WhoAmI(c.id)
	if errors.Is(err, domain.ErrNotJoined) {
		return orch.WhoAmIResult{ID: c.id, Name: ctl.Orch.Registry.Profile(c.token).Name}, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
