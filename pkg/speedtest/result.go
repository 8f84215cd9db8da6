package speedtest

import (
	"errors"
	"fmt"
	"time"
)

// ErrTooSlow reports a measured download below the configured floor.
var ErrTooSlow = errors.New("download below threshold")

// Result is a single measurement.
type Result struct {
	Timestamp     time.Time     `json:"timestamp"`
	DownloadMbps  float64       `json:"download_mbps"`
	UploadMbps    float64       `json:"upload_mbps"`
	PingMs        float64       `json:"ping_ms"`
	JitterMs      float64       `json:"jitter_ms"`
	PacketLoss    float64       `json:"packet_loss"`
	ISP           string        `json:"isp"`
	ServerName    string        `json:"server_name"`
	ServerCountry string        `json:"server_country"`
	Duration      time.Duration `json:"duration"`
	Candidates    int           `json:"candidates"`
	FullTests     int           `json:"full_tests"`
}

// Check returns ErrTooSlow when minDownloadMbps > 0 and the result is under it.
func (r *Result) Check(minDownloadMbps float64) error {
	if r == nil {
		return errors.New("no result")
	}
	if minDownloadMbps > 0 && r.DownloadMbps < minDownloadMbps {
		return fmt.Errorf("%w: %.1f < %.1f Mbps", ErrTooSlow, r.DownloadMbps, minDownloadMbps)
	}
	return nil
}

// Summary is a one-line human form.
func (r *Result) Summary() string {
	if r == nil {
		return "no result"
	}
	return fmt.Sprintf("down %.1f Mbps, up %.1f Mbps, ping %.0f ms, jitter %.1f ms, loss %.1f%% via %s (%s)",
		r.DownloadMbps, r.UploadMbps, r.PingMs, r.JitterMs, r.PacketLoss, r.ServerName, r.ServerCountry)
}
