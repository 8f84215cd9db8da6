// Package speedtest measures link throughput with showwin/speedtest-go.
package speedtest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

var ErrNoServers = errors.New("no speedtest servers available")

// RunConfig controls one run. Zero values take the defaults noted per field.
type RunConfig struct {
	// ServerCount nearest servers are pinged (default 5).
	ServerCount int
	// FullTestServers lowest-latency servers get download and upload tests,
	// one after another (default 1).
	FullTestServers int
	// MaxConnections per transfer test (default 4).
	MaxConnections int
	SavingMode     bool
	// PingConcurrency caps parallel latency probes (default 4).
	PingConcurrency int

	PacketLoss        bool
	PacketLossTimeout time.Duration // default 3s

	// DialTimeout bounds each TCP dial (default 10s).
	DialTimeout  time.Duration
	DisableHTTP2 bool
	// FreeOSMemory returns memory to the OS after a run.
	FreeOSMemory bool
}

func (c RunConfig) withDefaults() RunConfig {
	if c.ServerCount <= 0 {
		c.ServerCount = 5
	}
	if c.FullTestServers <= 0 {
		c.FullTestServers = 1
	}
	c.FullTestServers = min(c.FullTestServers, c.ServerCount)
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	if c.PacketLossTimeout <= 0 {
		c.PacketLossTimeout = 3 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Runner executes measurements. It is safe for sequential reuse; each Run
// builds its own client and transport.
type Runner struct {
	cfg     RunConfig
	spawner Spawner
}

type Option func(*Runner)

func WithSpawner(s Spawner) Option { return func(r *Runner) { r.spawner = s } }

func NewRunner(cfg RunConfig, opts ...Option) *Runner {
	r := &Runner{cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Config() RunConfig { return r.cfg }

// Run performs one measurement. ctx cancellation aborts at the next library
// call that honors it.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := r.cfg
	ctx, cancel := context.WithCancel(ctx)
	start := time.Now()

	hc, tr := newHTTPClient(cfg)
	// Avoid the package-level client: speedtest-go keeps state there.
	stc := st.New(
		st.WithUserConfig(&st.UserConfig{SavingMode: cfg.SavingMode, MaxConnections: cfg.MaxConnections}),
		st.WithDoer(hc),
	)
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		cancel()
		stc.Snapshots().Clean()
		stc.Reset()
		tr.CloseIdleConnections()
		if cfg.FreeOSMemory {
			debug.FreeOSMemory()
		}
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	candidates, err := nearest(ctx, stc, cfg.ServerCount)
	if err != nil {
		return nil, err
	}
	pinged := r.ping(ctx, candidates, cfg.PingConcurrency)
	if len(pinged) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("all latency probes failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })

	measured := make([]measurement, 0, cfg.FullTestServers)
	for _, s := range pinged[:min(cfg.FullTestServers, len(pinged))] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m, ok := transfer(ctx, s); ok {
			measured = append(measured, m)
		}
		// Drop per-test chunks before the next server.
		stc.Snapshots().Clean()
		stc.Reset()
	}
	if len(measured) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("transfer tests failed on every server")
	}

	avg := average(measured)
	best := fastest(measured)

	loss := 0.0
	if cfg.PacketLoss {
		host := best.server.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		plCtx, plCancel := context.WithTimeout(ctx, cfg.PacketLossTimeout)
		loss = packetLoss(plCtx, host)
		plCancel()
	}

	jitter := float64(best.server.Jitter.Milliseconds())
	if jitter <= 0 {
		// Rough estimate when the server reported none.
		jitter = math.Max(0.1, float64(avg.ping.Milliseconds())*0.1)
	}

	return &Result{
		Timestamp:     time.Now(),
		DownloadMbps:  avg.download,
		UploadMbps:    avg.upload,
		PingMs:        float64(avg.ping.Milliseconds()),
		JitterMs:      jitter,
		PacketLoss:    loss,
		ISP:           user.Isp,
		ServerName:    best.server.Sponsor,
		ServerCountry: best.server.Country,
		Duration:      time.Since(start),
		Candidates:    len(candidates),
		FullTests:     len(measured),
	}, nil
}

// nearest returns up to n available servers ordered by distance.
func nearest(ctx context.Context, stc *st.Speedtest, n int) ([]*st.Server, error) {
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	return servers[:min(n, len(servers))], nil
}

// ping probes latency with at most limit probes in flight and returns the
// servers that answered.
func (r *Runner) ping(ctx context.Context, servers []*st.Server, limit int) []*st.Server {
	sem := make(chan struct{}, max(1, limit))
	ok := make([]bool, len(servers))
	var wg sync.WaitGroup

	for i, s := range servers {
		wg.Add(1)
		probe := func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			ok[i] = s.PingTestContext(ctx, nil) == nil && s.Latency > 0
		}
		if r.spawner != nil {
			r.spawner.Go(fmt.Sprintf("speedtest.ping.%d", i), probe)
		} else {
			go probe()
		}
	}
	wg.Wait()

	out := make([]*st.Server, 0, len(servers))
	for i, s := range servers {
		if ok[i] {
			out = append(out, s)
		}
	}
	return out
}

type measurement struct {
	server   *st.Server
	download float64
	upload   float64
	ping     time.Duration
}

func transfer(ctx context.Context, s *st.Server) (measurement, bool) {
	if err := s.DownloadTestContext(ctx); err != nil {
		return measurement{}, false
	}
	if err := s.UploadTestContext(ctx); err != nil {
		return measurement{}, false
	}
	return measurement{server: s, download: s.DLSpeed.Mbps(), upload: s.ULSpeed.Mbps(), ping: s.Latency}, true
}

func average(ms []measurement) measurement {
	if len(ms) == 0 {
		return measurement{}
	}
	var out measurement
	for _, m := range ms {
		out.download += m.download
		out.upload += m.upload
		out.ping += m.ping
	}
	n := len(ms)
	out.download /= float64(n)
	out.upload /= float64(n)
	out.ping /= time.Duration(n)
	return out
}

// fastest prefers the lowest ping, then the higher download.
func fastest(ms []measurement) measurement {
	best := ms[0]
	for _, m := range ms[1:] {
		if m.ping < best.ping || (m.ping == best.ping && m.download > best.download) {
			best = m
		}
	}
	return best
}

func packetLoss(ctx context.Context, host string) float64 {
	if host == "" {
		return 0
	}
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	return pl.LossPercent()
}

func newHTTPClient(cfg RunConfig) (*http.Client, *http.Transport) {
	d := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   max(2, cfg.MaxConnections),
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}
	if cfg.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return &http.Client{Transport: tr}, tr
}
