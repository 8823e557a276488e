package vmmanager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const defaultSocketPath = "/var/run/vm-manager.sock"

// ErrEventsUnsupported is returned by Events when the VM manager endpoint
// has no streaming event support; the event source selector falls back to the
// polling watcher on this error.
var ErrEventsUnsupported = errors.New("vmmanager: streaming events unsupported")

// Client is an HTTP client for the local VM manager daemon, reached over a
// unix domain socket the way cns/dockerclient/dockerclient.go reaches the
// local docker daemon.
type Client struct {
	http *http.Client
	base string
}

// NewClient builds a Client against a VM manager listening on a unix
// socket at socketPath (defaultSocketPath if empty).
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	dialer := &net.Dialer{}
	hc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 30 * time.Second,
	}
	return &Client{http: hc, base: "http://vm-manager"}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding vm manager request")
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return errors.Wrap(err, "building vm manager request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "vm manager request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return fmt.Errorf("vmmanager: %s %s returned %d: %s", method, path, resp.StatusCode, b)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Lookup runs the vmadm-lookup-equivalent call.
func (c *Client) Lookup(ctx context.Context, filter LookupFilter) ([]VM, error) {
	var vms []VM
	if err := c.do(ctx, http.MethodPost, "/lookup", filter, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

// Events subscribes to the streaming VM lifecycle event endpoint. It
// blocks, delivering events to handler, until the endpoint closes or ctx
// is canceled. ready is called once the subscription is established, so
// the event source selector can distinguish "connected" from "still dialing."
func (c *Client) Events(ctx context.Context, handler func(Event), ready func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events", nil)
	if err != nil {
		return errors.Wrap(err, "building vm manager events request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "vm manager events request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented {
		return ErrEventsUnsupported
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("vmmanager: events endpoint returned %d", resp.StatusCode)
	}

	if ready != nil {
		ready()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // a single malformed event must not kill the subscription
		}
		handler(ev)
	}
	return scanner.Err()
}

// Update applies a combination of NIC/route/resolver mutations to a VM.
func (c *Client) Update(ctx context.Context, r UpdateRequest) error {
	return c.do(ctx, http.MethodPut, "/vms/"+r.UUID, r, nil)
}

// Reboot, Delete, Start, Stop are the VM lifecycle verbs.
func (c *Client) Reboot(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodPost, "/vms/"+uuid+"/reboot", nil, nil)
}

func (c *Client) Delete(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodDelete, "/vms/"+uuid, nil, nil)
}

func (c *Client) Start(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodPost, "/vms/"+uuid+"/start", nil, nil)
}

func (c *Client) Stop(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodPost, "/vms/"+uuid+"/stop", nil, nil)
}
