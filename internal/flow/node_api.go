package flow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

const apiNodeTimeout = 30 * time.Second

type apiNodeConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	// ResponseMapping extracts JSON paths from the response body into
	// variables: variable name -> gjson path.
	ResponseMapping map[string]string `json:"responseMapping,omitempty"`
	// SaveToVariable stores the whole response body under this variable.
	SaveToVariable string `json:"saveToVariable,omitempty"`
}

// apiNode performs one templated HTTP call and maps the response into the
// variable bag. Call failures become an error-token output rather than
// aborting the run.
type apiNode struct {
	cfg    apiNodeConfig
	client *http.Client
}

func newAPINode(cfg models.NodeConfig, deps *Deps) (Node, error) {
	var c apiNodeConfig
	if err := decodeConfig(cfg.Config, &c); err != nil {
		return nil, err
	}
	if c.URL == "" {
		return nil, fmt.Errorf("api node requires url")
	}
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	return &apiNode{cfg: c, client: &http.Client{Timeout: apiNodeTimeout}}, nil
}

func (n *apiNode) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	url := ResolveTemplate(n.cfg.URL, ec)
	method := strings.ToUpper(n.cfg.Method)

	var body io.Reader
	if n.cfg.Body != "" && method != http.MethodGet {
		body = strings.NewReader(ResolveTemplate(n.cfg.Body, ec))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("api node request build failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range n.cfg.Headers {
		req.Header.Set(k, ResolveTemplate(v, ec))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("flow.apiNode: request failed", "url", url, "error", err)
		return &NodeResult{Output: "error: " + err.Error()}, nil
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &NodeResult{Output: "error: " + err.Error()}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("flow.apiNode: non-success status", "url", url, "status", resp.StatusCode)
		return &NodeResult{Output: fmt.Sprintf("error: status %d", resp.StatusCode)}, nil
	}

	text := string(payload)
	if n.cfg.SaveToVariable != "" {
		ec.SetVariable(n.cfg.SaveToVariable, text)
	}
	for varName, path := range n.cfg.ResponseMapping {
		value := gjson.Get(text, path)
		if value.Exists() {
			ec.SetVariable(varName, value.String())
		}
	}
	slog.Debug("flow.apiNode: call completed", "url", url, "status", resp.StatusCode, "mapped", len(n.cfg.ResponseMapping))
	return &NodeResult{Output: text}, nil
}
