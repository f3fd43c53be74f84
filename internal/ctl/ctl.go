// Package ctl implements the CLI control client for communicating with a
// running warden daemon over its Unix socket API.
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/wardend/warden/internal/api"
)

// Client communicates with a warden daemon API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// NewUnixClient creates a client that connects via Unix socket.
func NewUnixClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
		baseURL: "http://unix",
	}
}

// WithAuth sets basic auth credentials for subsequent requests.
func (c *Client) WithAuth(username, password string) *Client {
	c.username = username
	c.password = password
	return c
}

func (c *Client) do(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.httpClient.Do(req)
}

func (c *Client) get(path string, out any) error {
	resp, err := c.do(http.MethodGet, path)
	if err != nil {
		return fmt.Errorf("cannot reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string) error {
	resp, err := c.do(http.MethodPost, path)
	if err != nil {
		return fmt.Errorf("cannot reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s", body.Error)
	}
	return fmt.Errorf("daemon returned %s", resp.Status)
}

// List returns info for all applications.
func (c *Client) List() ([]api.AppInfo, error) {
	var infos []api.AppInfo
	if err := c.get("/api/v1/apps", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Get returns info for a single application.
func (c *Client) Get(name string) (api.AppInfo, error) {
	var info api.AppInfo
	if err := c.get("/api/v1/apps/"+name, &info); err != nil {
		return api.AppInfo{}, err
	}
	return info, nil
}

// Start starts an application.
func (c *Client) Start(name string) error {
	return c.post("/api/v1/apps/" + name + "/start")
}

// Stop stops an application.
func (c *Client) Stop(name string) error {
	return c.post("/api/v1/apps/" + name + "/stop")
}

// Version returns daemon version info.
func (c *Client) Version() (map[string]string, error) {
	var v map[string]string
	if err := c.get("/api/v1/version", &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Shutdown asks the daemon to shut down.
func (c *Client) Shutdown() error {
	return c.post("/api/v1/shutdown")
}

// PrintList writes a status table for all applications.
func PrintList(w io.Writer, infos []api.AppInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tSANDBOXED\tPROCS")
	for _, info := range infos {
		running := 0
		for _, p := range info.Procs {
			if p.State == "RUNNING" || p.State == "PAUSED" {
				running++
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%d/%d\n",
			info.Name, info.State, info.Sandboxed, running, len(info.Procs))
	}
	tw.Flush()
}

// PrintApp writes the detailed status of one application.
func PrintApp(w io.Writer, info api.AppInfo) {
	fmt.Fprintf(w, "%s: %s\n", info.Name, info.State)
	fmt.Fprintf(w, "  sandboxed: %v\n", info.Sandboxed)
	fmt.Fprintf(w, "  uid/gid:   %d/%d\n", info.UID, info.GID)
	fmt.Fprintf(w, "  install:   %s\n", info.InstallPath)
	if info.SandboxPath != "" {
		fmt.Fprintf(w, "  sandbox:   %s\n", info.SandboxPath)
	}
	for _, p := range info.Procs {
		fmt.Fprintf(w, "  proc %s: %s\n", p.Name, p.State)
	}
}
