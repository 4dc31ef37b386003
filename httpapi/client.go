// Package httpapi implements the Client Manager and HTTP Response Check
// components: it constructs HTTP clients wired to a configured endpoint, user
// and password, rewrites request paths into the selected database, and
// classifies completed responses uniformly via dberror.
package httpapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nimbusdb/dbtools/dberror"
)

// Config is the subset of connection settings the manager needs to build
// clients, mirrored from config.Options so this package does not import the
// whole options surface.
type Config struct {
	Endpoint           string
	Database           string
	Username           string
	Password           string
	RequestTimeout     time.Duration
	InsecureSkipVerify bool
}

// Client wraps one *http.Client bound to a single endpoint/database, doing
// the `/_db/<db>/` URL rewrite on every request the way ClientManager's
// rewriteLocation does.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	database   string
	username   string
	password   string
}

// Manager constructs Clients for a fixed endpoint/database/credential set.
// One Manager is shared by every worker in a Client Task Queue; each worker
// owns its own Client for its lifetime.
type Manager struct {
	cfg Config
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("httpapi: endpoint is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Manager{cfg: cfg}, nil
}

// NewClient builds one Client. threadNumber is accepted for parity with the
// one-client-per-thread contract; the stdlib http.Client already pools
// connections safely, so no per-thread socket is allocated here.
func (m *Manager) NewClient(threadNumber int) (*Client, error) {
	base, err := url.Parse(m.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("httpapi: invalid endpoint %q: %w", m.cfg.Endpoint, err)
	}

	transport := &http.Transport{}
	if m.cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		httpClient: &http.Client{Timeout: m.cfg.RequestTimeout, Transport: transport},
		baseURL:    base,
		database:   m.cfg.Database,
		username:   m.cfg.Username,
		password:   m.cfg.Password,
	}, nil
}

// GetConnectedClient builds a client and performs the version handshake
// against `/_api/version`. If the server reports DATABASE_NOT_FOUND and
// logDatabaseNotFound is false the condition is swallowed (matching
// arangorestore's "don't log, we're about to create it" behavior); force
// downgrades an incompatible-version result instead of returning it.
func (m *Manager) GetConnectedClient(ctx context.Context, threadNumber int, force, logDatabaseNotFound bool) (*Client, error) {
	client, err := m.NewClient(threadNumber)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(ctx, http.MethodGet, "/_api/version", nil)
	if err != nil {
		if force {
			return client, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		classified := dberror.Classify(resp)
		var dbErr *dberror.Error
		if asErr, ok := classified.(*dberror.Error); ok {
			dbErr = asErr
		}
		if dbErr != nil && dbErr.ServerErrorNum == dberror.DatabaseNotFound && !logDatabaseNotFound {
			return client, nil
		}
		if force {
			return client, nil
		}
		return nil, classified
	}

	return client, nil
}

// RewriteLocation prefixes location with `/_db/<urlencoded-db>/` unless it
// is already so prefixed, mirroring ClientManager::rewriteLocation.
func RewriteLocation(database, location string) string {
	if strings.HasPrefix(location, "/_db/") {
		return location
	}
	prefix := "/_db/" + url.PathEscape(database)
	if strings.HasPrefix(location, "/") {
		return prefix + location
	}
	return prefix + "/" + location
}

// Do issues one request against path (rewritten into the client's
// database) with the given method and body, and returns the raw response
// for the caller to classify with dberror.Classify or read directly.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	rewritten := RewriteLocation(c.database, path)
	pathPart, query, _ := strings.Cut(rewritten, "?")
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + pathPart
	u.RawQuery = query

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("httpapi: build request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, dberror.New(dberror.KindConnectivity, fmt.Sprintf("request to %s failed", rewritten), err)
	}
	return resp, nil
}

// DoJSON issues a request with a JSON-encoded body and decodes a JSON
// response into out (when out is non-nil and the response succeeds).
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpapi: encode request body: %w", err)
		}
		body = strings.NewReader(string(encoded))
	}

	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return dberror.Classify(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// roleResponse is the `/_admin/server/role` body shape.
type roleResponse struct {
	Role string `json:"role"`
}

// GetArangoIsCluster probes `/_admin/server/role`; a "COORDINATOR" role
// means the connected server is running in cluster mode.
func GetArangoIsCluster(ctx context.Context, client *Client) (isCluster bool, role string, err error) {
	resp, err := client.Do(ctx, http.MethodGet, "/_admin/server/role", nil)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, "", dberror.Classify(resp)
	}

	var decoded roleResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, "UNDEFINED", nil
	}
	if decoded.Role == "" {
		decoded.Role = "UNDEFINED"
	}
	return decoded.Role == "COORDINATOR", decoded.Role, nil
}

// engineResponse is the `/_api/engine` body shape.
type engineResponse struct {
	Name string `json:"name"`
}

// GetArangoIsUsingEngine probes `/_api/engine` and reports whether the
// server's storage engine name matches name.
func GetArangoIsUsingEngine(ctx context.Context, client *Client, name string) (bool, error) {
	resp, err := client.Do(ctx, http.MethodGet, "/_api/engine", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, dberror.Classify(resp)
	}

	var decoded engineResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, nil
	}
	return decoded.Name == name, nil
}
