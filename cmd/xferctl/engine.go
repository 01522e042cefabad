package main

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fabriclink/xferengine/backend/multirail"
	"github.com/fabriclink/xferengine/backend/rconn"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// buildEngine constructs the backend named by cfg.Backend, translating
// cfg's typed fields into the xfer.InitParams.Values string map every
// backend's New reads.
func buildEngine(cfg *Config, agent xfer.AgentID, log zerolog.Logger) (xfer.Engine, error) {
	switch cfg.Backend {
	case "rconn":
		return buildRconnEngine(cfg, agent, log)
	case "multirail":
		return buildMultirailEngine(cfg, agent, log)
	default:
		return nil, errors.Errorf("unknown backend %q (want \"rconn\" or \"multirail\")", cfg.Backend)
	}
}

func buildRconnEngine(cfg *Config, agent xfer.AgentID, log zerolog.Logger) (xfer.Engine, error) {
	rc := cfg.Rconn
	params := xfer.InitParams{
		LocalAgent:            agent,
		ProgressThreadEnabled: rc.ProgressThread,
		Values: map[string]string{
			"num_workers":       strconv.Itoa(rc.NumWorkers),
			"err_handling_mode": rc.ErrHandling,
		},
	}
	e, err := rconn.New(rc.Device, rc.Port, rc.PortIndex, rc.MTU, params, log)
	if err != nil {
		return nil, errors.Wrap(err, "build rconn engine")
	}
	return e, nil
}

func buildMultirailEngine(cfg *Config, agent xfer.AgentID, log zerolog.Logger) (xfer.Engine, error) {
	mc := cfg.Multirail
	if mc.DataRails == "" {
		return nil, errors.New("multirail.data_rails is required")
	}
	params := xfer.InitParams{
		LocalAgent:            agent,
		ProgressThreadEnabled: mc.ProgressThread,
		Values: map[string]string{
			"data_rails":         mc.DataRails,
			"num_control_rails":  strconv.Itoa(mc.NumControlRails),
			"provider":           mc.Provider,
			"striping_threshold": fmt.Sprintf("%d", mc.StripingThreshold),
		},
	}
	e, err := multirail.New(params, log)
	if err != nil {
		return nil, errors.Wrap(err, "build multirail engine")
	}
	return e, nil
}
