package missions

import (
	"context"

	"lurker/internal/config"
	"lurker/internal/mission"
	logx "lurker/pkg/logx"
	"lurker/pkg/speedtest"
)

// Speedtest measures throughput; success is a measurement at or above the
// configured download floor.
type Speedtest struct {
	base
	runner  Measurer
	minDown float64
}

func newSpeedtest(b base, c config.SpeedtestMission, deps Deps) *Speedtest {
	cfg := speedtest.RunConfig{
		ServerCount:     c.ServerCount,
		FullTestServers: c.FullTestServers,
		MaxConnections:  c.MaxConnections,
		SavingMode:      c.SavingMode,
		PacketLoss:      c.PacketLoss,
		FreeOSMemory:    true,
	}
	var opts []speedtest.Option
	if deps.Spawner != nil {
		opts = append(opts, speedtest.WithSpawner(deps.Spawner))
	}
	return &Speedtest{base: b, runner: deps.NewMeasurer(cfg, opts...), minDown: c.MinDownloadMbps}
}

func (s *Speedtest) Run(ctx context.Context, inv mission.Invocation) bool {
	log := s.runLog(inv)
	res, err := s.runner.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("speedtest cancelled", logx.Err(ctx.Err()))
		} else {
			log.Warn("speedtest failed", logx.Err(err))
		}
		return false
	}
	fields := []logx.Field{
		logx.Float64("download_mbps", res.DownloadMbps),
		logx.Float64("upload_mbps", res.UploadMbps),
		logx.Float64("ping_ms", res.PingMs),
		logx.Float64("jitter_ms", res.JitterMs),
		logx.Float64("packet_loss", res.PacketLoss),
		logx.String("server", res.ServerName),
		logx.String("isp", res.ISP),
		logx.Duration("took", res.Duration),
	}
	if err := res.Check(s.minDown); err != nil {
		log.Warn("speedtest below threshold", append(fields, logx.Err(err))...)
		return false
	}
	log.Info("speedtest measured", fields...)
	return true
}
