// Package gateway talks to the external units a compute node depends
// on: the scheduler router, the per-process scheduling endpoints, and
// the module binary origin. Every failure here is an ExternalFetch
// error carrying the endpoint that failed.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/config"
	"github.com/cunode/cunode/pkg/cuerr"
)

// maxModuleSize caps a module binary download at 256 MiB.
const maxModuleSize = 256 << 20

// Client is the HTTP gateway client.
type Client struct {
	routerURL       string
	moduleOriginURL string
	http            *http.Client
	log             *slog.Logger
}

// NewClient builds a gateway client from configuration.
func NewClient(cfg config.GatewayConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		routerURL:       cfg.SchedulerRouterURL,
		moduleOriginURL: cfg.ModuleOriginURL,
		http:            &http.Client{Timeout: timeout},
		log:             log,
	}
}

// LocateScheduler resolves the scheduling endpoint assigned to a
// process.
func (c *Client) LocateScheduler(ctx context.Context, processID string) (string, error) {
	endpoint := fmt.Sprintf("%s/scheduler?process-id=%s", c.routerURL, url.QueryEscape(processID))

	var payload struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return "", err
	}
	if payload.URL == "" {
		return "", cuerr.ExternalFetch(fmt.Errorf("scheduler router returned no url for %s", processID), endpoint)
	}
	return payload.URL, nil
}

// FetchProcessRecord downloads and validates a process record from its
// scheduling endpoint. Records failing tag verification are rejected
// before they reach any store.
func (c *Client) FetchProcessRecord(ctx context.Context, schedulerURL, processID string) (*model.Process, error) {
	endpoint := fmt.Sprintf("%s/processes/%s", schedulerURL, url.PathEscape(processID))

	var p model.Process
	if err := c.getJSON(ctx, endpoint, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = processID
	}
	if p.SchedulerURL == "" {
		p.SchedulerURL = schedulerURL
	}
	if err := model.VerifyProcess(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// messagePage is one page of the scheduling endpoint's message listing.
type messagePage struct {
	Messages []model.Message `json:"messages"`
	Next     string          `json:"next,omitempty"`
}

// FetchMessages returns the process's messages with ordinate strictly
// greater than afterOrdinate, up to and including uptoOrdinate, in the
// order the scheduling endpoint assigned. Pages are followed until the
// window is exhausted.
func (c *Client) FetchMessages(ctx context.Context, schedulerURL, processID string, afterOrdinate, uptoOrdinate uint64) ([]model.Message, error) {
	base := fmt.Sprintf("%s/processes/%s/messages?after=%d&upto=%d",
		schedulerURL, url.PathEscape(processID), afterOrdinate, uptoOrdinate)

	var out []model.Message
	endpoint := base
	for {
		var page messagePage
		if err := c.getJSON(ctx, endpoint, &page); err != nil {
			return nil, err
		}
		for i := range page.Messages {
			m := page.Messages[i]
			if err := model.ValidateMessage(&m); err != nil {
				return nil, err
			}
			if m.Ordinate <= afterOrdinate || m.Ordinate > uptoOrdinate {
				continue
			}
			out = append(out, m)
		}
		if page.Next == "" {
			break
		}
		endpoint = base + "&cursor=" + url.QueryEscape(page.Next)
	}
	return out, nil
}

// FetchModule downloads a module binary from the module origin.
func (c *Client) FetchModule(ctx context.Context, moduleID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/%s", c.moduleOriginURL, url.PathEscape(moduleID))

	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	binary, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleSize+1))
	if err != nil {
		return nil, cuerr.ExternalFetch(err, endpoint)
	}
	if len(binary) > maxModuleSize {
		return nil, cuerr.ExternalFetch(fmt.Errorf("module %s exceeds %d bytes", moduleID, maxModuleSize), endpoint)
	}
	if len(binary) == 0 {
		return nil, cuerr.ExternalFetch(fmt.Errorf("module %s is empty", moduleID), endpoint)
	}
	return binary, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return cuerr.ExternalFetch(fmt.Errorf("decode response: %w", err), endpoint)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, cuerr.ExternalFetch(err, endpoint)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, cuerr.ExternalFetch(err, endpoint)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, cuerr.NotFound("resource", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		c.log.Warn("gateway request failed",
			slog.String("endpoint", endpoint),
			slog.Int("status", resp.StatusCode))
		return nil, cuerr.ExternalFetch(fmt.Errorf("status %d: %s", resp.StatusCode, body), endpoint)
	}
	return resp, nil
}
