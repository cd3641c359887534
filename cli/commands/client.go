package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/cli/config"
	"github.com/clinprecision/clinops-core/ops"
)

// opsClient talks to the ops endpoints of a running "clinops serve".
type opsClient struct {
	base string
	http *http.Client
}

func newOpsClient(base string, timeout time.Duration) *opsClient {
	return &opsClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

// serverURL turns server.addr into a base URL. A bare ":port" means
// localhost.
func serverURL(cfg *config.Config) string {
	addr := cfg.Server.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func (c *opsClient) Statuses(ctx context.Context) ([]clinops.ProjectionStatus, error) {
	var out []clinops.ProjectionStatus
	err := c.do(ctx, http.MethodGet, "/projections", &out)
	return out, err
}

func (c *opsClient) Status(ctx context.Context, name string) (*clinops.ProjectionStatus, error) {
	var out clinops.ProjectionStatus
	if err := c.do(ctx, http.MethodGet, "/projections/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Control posts pause, resume or rebuild for name.
func (c *opsClient) Control(ctx context.Context, name, op string) (*clinops.ProjectionStatus, error) {
	var out clinops.ProjectionStatus
	if err := c.do(ctx, http.MethodPost, "/projections/"+url.PathEscape(name)+"/"+op, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RebuildAll asks the server to rebuild every projection.
func (c *opsClient) RebuildAll(ctx context.Context, concurrency int) ([]clinops.ProjectionStatus, error) {
	var out []clinops.ProjectionStatus
	err := c.do(ctx, http.MethodPost, "/projections/rebuild?concurrency="+strconv.Itoa(concurrency), &out)
	return out, err
}

func (c *opsClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("clinops server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body ops.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return errors.New(body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
