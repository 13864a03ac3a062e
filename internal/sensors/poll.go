package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roostlabs/roost/internal/tools"
)

// PollSensor fetches from a tool or URL on a fixed interval.
type PollSensor struct {
	*runner
	cfg    Config
	fields []string
	client *http.Client
}

func newPollSensor(cfg Config, deps Deps) *PollSensor {
	p := &PollSensor{
		cfg:    cfg,
		fields: cfg.updateFields(),
		client: &http.Client{Timeout: 30 * time.Second},
	}
	p.runner = newRunner(cfg.Name, deps, p)
	return p
}

func (p *PollSensor) signals() []SignalConfig { return p.cfg.Signals }

func (p *PollSensor) baseInterval() time.Duration {
	return time.Duration(p.cfg.Interval) * time.Second
}

func (p *PollSensor) iterate(ctx context.Context) error {
	data, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	p.handleSample(ctx, p.fields, data)
	sleepCtx(ctx, p.baseInterval())
	return nil
}

func (p *PollSensor) fetch(ctx context.Context) (any, error) {
	switch {
	case p.cfg.Source.Tool != "" && p.deps.Registry != nil:
		tc := tools.Context{
			AgentID:    p.deps.AgentID,
			SessionKey: fmt.Sprintf("sensor:%s:%s", p.deps.AgentID, p.name),
			Registry:   p.deps.Registry,
		}
		result := p.deps.Registry.Execute(ctx, p.cfg.Source.Tool, p.cfg.Source.Params, tc)
		if !result.Success {
			return nil, fmt.Errorf("tool %s failed: %s", p.cfg.Source.Tool, result.Err)
		}
		if result.Data != nil {
			return result.Data, nil
		}
		return result.Message, nil

	case p.cfg.Source.URL != "":
		return p.fetchURL(ctx)

	default:
		return nil, fmt.Errorf("sensor %s: no tool or URL configured", p.name)
	}
}

func (p *PollSensor) fetchURL(ctx context.Context) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Source.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("GET %s: status %d", p.cfg.Source.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var data any
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.cfg.Source.URL, err)
		}
		return data, nil
	}
	return string(body), nil
}
