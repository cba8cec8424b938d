package http

import (
	"bytes"
	"context"
	"fmt"
	nhttp "net/http"
	"os"
	"path"
	"strings"
	"time"

	json "github.com/nikkolasg/hexjson"

	"github.com/crunchmesh/crunchmesh/auction"
	"github.com/crunchmesh/crunchmesh/reputation"
	"github.com/crunchmesh/crunchmesh/wallet"
)

const defaultClientExec = "unknown"
const defaultHTTPTimeout = 10 * time.Second

// Client talks to the local API of a node. It is what the CLI commands
// use; any HTTP client works as well.
type Client struct {
	root  string
	hc    *nhttp.Client
	agent string
}

// NewClient returns a client for the API at addr. A bare host:port gets
// the http scheme; a nil transport uses the default one. Pass a transport
// with certificate checks relaxed to reach a self-signed TLS endpoint.
func NewClient(addr string, transport nhttp.RoundTripper) *Client {
	if transport == nil {
		transport = nhttp.DefaultTransport
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	addr = strings.TrimSuffix(addr, "/")
	pn, err := os.Executable()
	if err != nil {
		pn = defaultClientExec
	}
	return &Client{
		root:  addr,
		hc:    &nhttp.Client{Timeout: defaultHTTPTimeout, Transport: transport},
		agent: fmt.Sprintf("crunchmesh-client-%s/1.0", path.Base(pn)),
	}
}

// Ping checks the API answers at all.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, nhttp.MethodGet, "/health", nil, nil)
}

// Status fetches the node summary.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	return out, c.do(ctx, nhttp.MethodGet, "/status", nil, out)
}

// Peers fetches the peer table.
func (c *Client) Peers(ctx context.Context) (*PeersResponse, error) {
	out := new(PeersResponse)
	return out, c.do(ctx, nhttp.MethodGet, "/peers", nil, out)
}

// Wallet fetches the wallet snapshot.
func (c *Client) Wallet(ctx context.Context) (*wallet.Snapshot, error) {
	out := new(wallet.Snapshot)
	return out, c.do(ctx, nhttp.MethodGet, "/wallet", nil, out)
}

// Transactions fetches the full local ledger, oldest first.
func (c *Client) Transactions(ctx context.Context) ([]*wallet.LedgerEntry, error) {
	var out []*wallet.LedgerEntry
	return out, c.do(ctx, nhttp.MethodGet, "/wallet/transactions", nil, &out)
}

// Auctions fetches the auctions the node currently tracks.
func (c *Client) Auctions(ctx context.Context) ([]auction.Standing, error) {
	var out []auction.Standing
	return out, c.do(ctx, nhttp.MethodGet, "/auctions", nil, &out)
}

// Reputation fetches the trust state.
func (c *Client) Reputation(ctx context.Context) (*reputation.Snapshot, error) {
	out := new(reputation.Snapshot)
	return out, c.do(ctx, nhttp.MethodGet, "/reputation", nil, out)
}

// Job fetches the tracked state of one job.
func (c *Client) Job(ctx context.Context, id string) (*JobResponse, error) {
	out := new(JobResponse)
	return out, c.do(ctx, nhttp.MethodGet, "/jobs/"+id, nil, out)
}

// Submit hands a new job to the node and returns its id. The auction and
// execution run asynchronously; poll Job to follow them.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	return out, c.do(ctx, nhttp.MethodPost, "/jobs", req, out)
}

func (c *Client) do(ctx context.Context, method, route string, body, out interface{}) error {
	var buf *bytes.Buffer
	if body != nil {
		buf = new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}
	var req *nhttp.Request
	var err error
	if buf != nil {
		req, err = nhttp.NewRequestWithContext(ctx, method, c.root+route, buf)
	} else {
		req, err = nhttp.NewRequestWithContext(ctx, method, c.root+route, nhttp.NoBody)
	}
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.agent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= nhttp.StatusBadRequest {
		var apiErr errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, route, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, route, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
