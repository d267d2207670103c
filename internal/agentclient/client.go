// Package agentclient invokes the external stateless AI coding agent, both
// as a CLI subprocess and via its HTTP API, behind bounded concurrency
// pools.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/core"
	"github.com/quorumlabs/agentpipeline/internal/subprocess"
)

// Config configures a Client.
type Config struct {
	CLIPath           string
	CLIPoolSize       int
	APIPoolSize       int
	CLITimeout        time.Duration
	SubprocessTimeout time.Duration
	APIKey            string
	APIBaseURL        string
	APIModel          string
}

// Client is the bounded-pool gateway to the external agent.
type Client struct {
	cfg        Config
	cliSem     *semaphore.Weighted
	apiSem     *semaphore.Weighted
	supervisor *subprocess.Supervisor
	httpClient *http.Client
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		cliSem:     semaphore.NewWeighted(int64(cfg.CLIPoolSize)),
		apiSem:     semaphore.NewWeighted(int64(cfg.APIPoolSize)),
		supervisor: subprocess.New(),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// CLICall acquires a slot from the bounded CLI pool (waking every
// control.WakeInterval to re-observe cancellation), invokes the agent CLI
// with the prompt as a single argument plus a skip-permission-prompts flag,
// and returns trimmed stdout. Fails if the process exits non-zero.
func (c *Client) CLICall(ctx context.Context, cp *control.ControlPlane, prompt string) (string, error) {
	if err := c.acquire(ctx, cp, c.cliSem); err != nil {
		return "", err
	}
	defer c.cliSem.Release(1)

	res, err := c.supervisor.Run(ctx, cp, c.cfg.CLIPath, []string{"-p", "--skip-permissions", prompt}, c.cfg.CLITimeout, "")
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", core.ErrSubprocess(c.cfg.CLIPath, 1, res.Output)
	}
	return strings.TrimSpace(res.Output), nil
}

// anthropicRequest is the literal wire body for the agent's HTTP API.
type anthropicRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Tools     []anthropicTool `json:"tools"`
	Messages  []anthropicMsg  `json:"messages"`
}

type anthropicTool struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	MaxUses int    `json:"max_uses"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// APICall acquires a slot from the independent API pool and POSTs to the
// agent's HTTPS Messages endpoint with a web_search tool declaration (max
// 10 searches). Only "text"-type content blocks are concatenated into the
// returned string; tool-use and tool-result blocks are discarded. Callers
// must not invoke this when no API key is configured — they should degrade
// to manual input instead.
func (c *Client) APICall(ctx context.Context, cp *control.ControlPlane, prompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", core.ErrNoAPIKey()
	}
	if err := c.acquire(ctx, cp, c.apiSem); err != nil {
		return "", err
	}
	defer c.apiSem.Release(1)

	body := anthropicRequest{
		Model:     c.cfg.APIModel,
		MaxTokens: 4096,
		Tools: []anthropicTool{
			{Type: "web_search_20250305", Name: "web_search", MaxUses: 10},
		},
		Messages: []anthropicMsg{{Role: "user", Content: prompt}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal api request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build api request: %w", err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", core.ErrSubprocess("agent-api", -1, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read api response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", core.ErrSubprocess("agent-api", resp.StatusCode, string(data))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal api response: %w", err)
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (c *Client) acquire(ctx context.Context, cp *control.ControlPlane, sem *semaphore.Weighted) error {
	for {
		acquireCtx, cancel := context.WithTimeout(ctx, control.WakeInterval)
		err := sem.Acquire(acquireCtx, 1)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cp != nil {
			if cerr := cp.CheckCancelled(); cerr != nil {
				return cerr
			}
		}
	}
}
