// Package transport speaks JSON over HTTP to backend engines and to the
// control plane. Every call carries a context deadline; the underlying
// http.Client has no global timeout.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"parrotd/internal/registry"
	"parrotd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultPrimitiveTimeout = 120 * time.Second
	DefaultConnectTimeout   = 5 * time.Second
	defaultHeartbeatRetries = 3
	maxLineBytes            = 1 << 20
)

// Config tunes the engine client.
type Config struct {
	PrimitiveTimeout time.Duration
	ConnectTimeout   time.Duration
	// Attempts made by Heartbeat before reporting the engine unreachable.
	HeartbeatRetries int
	Logger           zerolog.Logger
}

// engineError is a non-2xx reply or an error line from an engine.
type engineError struct {
	target string
	op     string
	status int
	msg    string
}

func (e engineError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("%s %s: http %d: %s", e.target, e.op, e.status, e.msg)
	}
	return fmt.Sprintf("%s %s: %s", e.target, e.op, e.msg)
}

// StatusCode returns the HTTP status of an engine error, or 0.
func StatusCode(err error) int {
	var ee engineError
	if errors.As(err, &ee) {
		return ee.status
	}
	return 0
}

// IsEngineError reports whether err was returned by the engine itself rather
// than by the network.
func IsEngineError(err error) bool {
	var ee engineError
	return errors.As(err, &ee)
}

// Client issues primitives to engines. It satisfies registry.Prober and
// ctxtree.Freer.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// New returns a client with pooled connections.
func New(cfg Config) *Client {
	if cfg.PrimitiveTimeout <= 0 {
		cfg.PrimitiveTimeout = DefaultPrimitiveTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HeartbeatRetries <= 0 {
		cfg.HeartbeatRetries = defaultHeartbeatRetries
	}
	return &Client{cfg: cfg, http: newHTTPClient(cfg.ConnectTimeout), log: cfg.Logger.With().Str("component", "transport").Logger()}
}

func newHTTPClient(connectTimeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// Fill appends tokens (or text) to a context on e.
func (c *Client) Fill(ctx context.Context, e *registry.Engine, req types.FillRequest) (types.FillResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PrimitiveTimeout)
	defer cancel()
	var out types.FillResponse
	err := c.postJSON(ctx, e, "fill", req, &out)
	return out, err
}

// Generate runs a generation on e, calling onToken for each streamed token id
// when non-nil. It returns the terminal chunk.
func (c *Client) Generate(ctx context.Context, e *registry.Engine, req types.GenerateRequest, onToken func(int) error) (types.GenerateChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PrimitiveTimeout)
	defer cancel()
	resp, err := c.do(ctx, e, "generate", req)
	if err != nil {
		return types.GenerateChunk{}, err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk types.GenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.log.Warn().Str("engine", e.Name()).Bytes("line", line).Msg("unknown stream line")
			continue
		}
		if chunk.Error != "" {
			return chunk, engineError{target: "engine " + e.Name(), op: "generate", msg: chunk.Error}
		}
		if chunk.Done {
			return chunk, nil
		}
		if onToken != nil {
			if err := onToken(chunk.TokenID); err != nil {
				return chunk, err
			}
		}
	}
	if ctx.Err() != nil {
		return types.GenerateChunk{}, ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return types.GenerateChunk{}, err
	}
	return types.GenerateChunk{}, engineError{target: "engine " + e.Name(), op: "generate", msg: "stream ended without a terminal chunk"}
}

// FreeContext tells e to drop a context's cache and returns the tokens freed.
func (c *Client) FreeContext(ctx context.Context, e *registry.Engine, contextID int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PrimitiveTimeout)
	defer cancel()
	var out types.FreeContextResponse
	if err := c.postJSON(ctx, e, "free_context", types.FreeContextRequest{ContextID: contextID}, &out); err != nil {
		return 0, err
	}
	return out.NumFreedTokens, nil
}

// Heartbeat probes e, retrying transient failures, and returns its telemetry.
func (c *Client) Heartbeat(ctx context.Context, e *registry.Engine) (types.EngineRuntimeInfo, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.HeartbeatRetries; attempt++ {
		var out types.HeartbeatResponse
		lastErr = c.postJSON(ctx, e, "heartbeat", struct{}{}, &out)
		if lastErr == nil {
			return out.RuntimeInfo, nil
		}
		if ctx.Err() != nil {
			return types.EngineRuntimeInfo{}, ctx.Err()
		}
		c.log.Debug().Str("engine", e.Name()).Int("attempt", attempt+1).Err(lastErr).Msg("heartbeat failed")
	}
	return types.EngineRuntimeInfo{}, lastErr
}

func (c *Client) postJSON(ctx context.Context, e *registry.Engine, op string, in, out any) error {
	resp, err := c.do(ctx, e, op, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := decodeOptional(resp.Body, out); err != nil {
		return fmt.Errorf("engine %s %s: decode response: %w", e.Name(), op, err)
	}
	return nil
}

// decodeOptional decodes a JSON body into out, accepting an empty body.
func decodeOptional(r io.Reader, out any) error {
	err := json.NewDecoder(r).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, e *registry.Engine, op string, in any) (*http.Response, error) {
	return post(ctx, c.http, "engine "+e.Name(), strings.TrimRight(e.Address(), "/")+"/"+op, op, in)
}

func post(ctx context.Context, cli *http.Client, target, url, op string, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cli.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(b))
		var er types.ErrorResponse
		if json.Unmarshal(b, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return nil, engineError{target: target, op: op, status: resp.StatusCode, msg: msg}
	}
	return resp, nil
}
