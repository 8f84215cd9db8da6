package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lurker/internal/config"
	"lurker/internal/status"
	logx "lurker/pkg/logx"
)

// client talks to a running daemon's status API.
type client struct {
	baseURL string
	http    *http.Client
	log     logx.Logger
}

func newClient(addr string) *client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger,
	}
}

// apiResponse is the status API envelope with the payload left raw.
type apiResponse struct {
	Status    string           `json:"status"`
	RequestID string           `json:"request_id"`
	Data      json.RawMessage  `json:"data"`
	Error     *status.APIError `json:"error"`
}

func (c *client) do(method, path string) (*apiResponse, error) {
	url := c.baseURL + path
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.log.Debug("HTTP request", logx.String("method", method), logx.String("url", url))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("HTTP response", logx.Int("status", resp.StatusCode), logx.String("body", string(body)))

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	if out.Status == "error" && out.Error != nil {
		return &out, out.Error
	}
	return &out, nil
}

func (c *client) get(path string) (*apiResponse, error)  { return c.do(http.MethodGet, path) }
func (c *client) post(path string) (*apiResponse, error) { return c.do(http.MethodPost, path) }

// resolveAddr prefers --addr, then status.addr from cfg.
func resolveAddr(cfg *config.Config) string {
	if flagAddr != "" {
		return flagAddr
	}
	if cfg == nil {
		return config.DefaultStatusAddr
	}
	return statusAddr(cfg)
}

func statusAddr(cfg *config.Config) string {
	if addr := strings.TrimSpace(cfg.Status.Addr); addr != "" {
		return addr
	}
	return config.DefaultStatusAddr
}

// remoteClient loads the config only to find the status address.
func remoteClient() *client {
	cfg, err := config.NewManager(flagConfig, logger).Parse()
	if err != nil {
		logger.Debug("config not loaded; using default status address", logx.Err(err))
		cfg = nil
	}
	return newClient(resolveAddr(cfg))
}
