package sensors

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// StreamSensor holds a long-lived connection and publishes every received
// frame. ws:// and wss:// URLs use a websocket; anything else is treated
// as a line-delimited HTTP stream (SSE included).
type StreamSensor struct {
	*runner
	cfg    Config
	fields []string
}

func newStreamSensor(cfg Config, deps Deps) *StreamSensor {
	s := &StreamSensor{cfg: cfg, fields: cfg.updateFields()}
	s.runner = newRunner(cfg.Name, deps, s)
	return s
}

func (s *StreamSensor) signals() []SignalConfig { return s.cfg.Signals }

func (s *StreamSensor) baseInterval() time.Duration { return 5 * time.Second }

func (s *StreamSensor) iterate(ctx context.Context) error {
	if strings.HasPrefix(s.cfg.Source.URL, "ws://") || strings.HasPrefix(s.cfg.Source.URL, "wss://") {
		return s.readWebsocket(ctx)
	}
	return s.readLines(ctx)
}

func (s *StreamSensor) readWebsocket(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.cfg.Source.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.handleSample(ctx, s.fields, parseFrame(frame))
	}
}

func (s *StreamSensor) readLines(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Source.URL, nil)
	if err != nil {
		return err
	}
	// No client timeout: the stream is expected to stay open. Cancellation
	// comes through the request context.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s: status %d", s.cfg.Source.URL, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		text = strings.TrimSpace(strings.TrimPrefix(text, "data:"))
		if text == "" {
			continue
		}
		s.handleSample(ctx, s.fields, parseFrame([]byte(text)))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream %s closed", s.cfg.Source.URL)
}
