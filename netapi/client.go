package netapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/joyent-sdc/net-agent/metrics"
	"github.com/pkg/errors"
)

const (
	headerEtag    = "Etag"
	headerIfMatch = "If-Match"
)

// Config configures a Client.
type Config struct {
	BaseURL         string
	HTTPClient      *http.Client
	TokenCredential azcore.TokenCredential // optional; nil means no auth header
	TokenScope      string
}

// Client is the NetAPI HTTP client wrapper. It never strips the Etag response
// header or the If-Match request header, and performs no internal retry; retry
// policy belongs to the reconciler state machine that calls it.
type Client struct {
	baseURL string
	http    *http.Client
	cred    azcore.TokenCredential
	scope   string
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("netapi: BaseURL is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: cfg.BaseURL, http: hc, cred: cfg.TokenCredential, scope: cfg.TokenScope}, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.cred == nil {
		return nil
	}
	scope := c.scope
	if scope == "" {
		scope = "https://management.azure.com/.default"
	}
	tok, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		return errors.Wrap(err, "acquiring netapi auth token")
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, etag string, body interface{}) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request body")
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if etag != "" {
		req.Header.Set(headerIfMatch, etag)
	}

	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetAPICall(method, "transport_error", time.Since(start).Seconds())
		return nil, transportError(path, err)
	}
	metrics.ObserveNetAPICall(method, statusBucket(resp.StatusCode), time.Since(start).Seconds())
	return resp, nil
}

// statusBucket coarsens a response status into the outcome label
// ObserveNetAPICall records.
func statusBucket(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}

func readBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return b
}

// decode reads and JSON-decodes a successful response, returning the
// Etag response header alongside the decoded value. The Etag header is
// read before the body is drained so it is never lost to a transport that
// rewrites headers on read.
func decode(resp *http.Response, out interface{}) (string, error) {
	etag := resp.Header.Get(headerEtag)
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return etag, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return etag, errors.Wrap(err, "decoding response body")
	}
	return etag, nil
}

// GetNIC fetches a NIC by MAC. A 404 is returned as a typed *Error so the
// refresh state can distinguish "NIC never existed" from "NIC existed,
// now gone" using its own prior state.
func (c *Client) GetNIC(ctx context.Context, mac string) (NIC, string, error) {
	path := "/nics/" + mac
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return NIC{}, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return NIC{}, "", errorFromStatus(resp.StatusCode, path, readBody(resp))
	}
	var nic NIC
	etag, err := decode(resp, &nic)
	return nic, etag, err
}

// CreateNIC POSTs the full local view of a NIC with check_owner:false.
func (c *Client) CreateNIC(ctx context.Context, nic NIC) (NIC, string, error) {
	path := "/nics/" + nic.MAC
	body := withCheckOwnerFalse(nic)
	resp, err := c.do(ctx, http.MethodPost, path, "", body)
	if err != nil {
		return NIC{}, "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return NIC{}, "", errorFromStatus(resp.StatusCode, path, readBody(resp))
	}
	var out NIC
	etag, err := decode(resp, &out)
	return out, etag, err
}

// UpdateNIC PUTs a partial update with check_owner:false. A 404 means NetAPI
// dropped the NIC.
func (c *Client) UpdateNIC(ctx context.Context, mac string, partial map[string]interface{}) (NIC, string, error) {
	path := "/nics/" + mac
	body := map[string]interface{}{"check_owner": false}
	for k, v := range partial {
		body[k] = v
	}
	resp, err := c.do(ctx, http.MethodPut, path, "", body)
	if err != nil {
		return NIC{}, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return NIC{}, "", errorFromStatus(resp.StatusCode, path, readBody(resp))
	}
	var out NIC
	etag, err := decode(resp, &out)
	return out, etag, err
}

// DeleteNIC removes a NIC, carrying the last known Etag in If-Match. 204 is
// success; 404/412 are returned as typed errors for the release state to
// branch on.
func (c *Client) DeleteNIC(ctx context.Context, mac, etag string) error {
	path := "/nics/" + mac
	resp, err := c.do(ctx, http.MethodDelete, path, etag, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return errorFromStatus(resp.StatusCode, path, readBody(resp))
	}
	return nil
}

// GetNetwork fetches a network by UUID. A 404 is returned as a typed *Error;
// the network reconciler treats that as terminal.
func (c *Client) GetNetwork(ctx context.Context, uuid string) (Network, error) {
	path := "/networks/" + uuid
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return Network{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Network{}, errorFromStatus(resp.StatusCode, path, readBody(resp))
	}
	var n Network
	_, err = decode(resp, &n)
	return n, err
}

// GetAggregation, CreateAggregation, UpdateAggregation, DeleteAggregation
// are the aggregation analogues of the NIC CRUD operations.

func (c *Client) GetAggregation(ctx context.Context, id string) (Aggregation, string, error) {
	path := "/aggregations/" + id
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return Aggregation{}, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return Aggregation{}, "", errorFromStatus(resp.StatusCode, path, readBody(resp))
	}
	var a Aggregation
	etag, err := decode(resp, &a)
	return a, etag, err
}

func (c *Client) CreateAggregation(ctx context.Context, agg Aggregation) (Aggregation, string, error) {
	path := "/aggregations/" + agg.ID
	resp, err := c.do(ctx, http.MethodPost, path, "", agg)
	if err != nil {
		return Aggregation{}, "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Aggregation{}, "", errorFromStatus(resp.StatusCode, path, readBody(resp))
	}
	var out Aggregation
	etag, err := decode(resp, &out)
	return out, etag, err
}

func (c *Client) UpdateAggregation(ctx context.Context, id string, partial map[string]interface{}) (Aggregation, string, error) {
	path := "/aggregations/" + id
	resp, err := c.do(ctx, http.MethodPut, path, "", partial)
	if err != nil {
		return Aggregation{}, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return Aggregation{}, "", errorFromStatus(resp.StatusCode, path, readBody(resp))
	}
	var out Aggregation
	etag, err := decode(resp, &out)
	return out, etag, err
}

func (c *Client) DeleteAggregation(ctx context.Context, id, etag string) error {
	path := "/aggregations/" + id
	resp, err := c.do(ctx, http.MethodDelete, path, etag, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return errorFromStatus(resp.StatusCode, path, readBody(resp))
	}
	return nil
}

func withCheckOwnerFalse(nic NIC) map[string]interface{} {
	b, _ := json.Marshal(nic)
	var m map[string]interface{}
	json.Unmarshal(b, &m)
	m["check_owner"] = false
	return m
}
