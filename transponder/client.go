package transponder

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/identity"
	"github.com/cynsky/AisVirtualNet/targets"
	"github.com/cynsky/AisVirtualNet/wire"
)

// ControlClient calls the backbone REST control API.
type ControlClient struct {
	base string
	http *http.Client
}

// ClientOption configures a ControlClient.
type ClientOption func(*ControlClient)

// WithClientTLS uses cfg for https requests. A nil cfg is ignored.
func WithClientTLS(cfg *tls.Config) ClientOption {
	return func(c *ControlClient) {
		if cfg != nil {
			c.http.Transport = &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: cfg,
			}
		}
	}
}

// NewControlClient targets the server at baseURL, e.g. http://host:8080.
func NewControlClient(baseURL string, timeout time.Duration, opts ...ClientOption) *ControlClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &ControlClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WebSocketURL returns the session endpoint matching the REST base.
func (c *ControlClient) WebSocketURL() string {
	switch {
	case strings.HasPrefix(c.base, "https://"):
		return "wss://" + strings.TrimPrefix(c.base, "https://") + "/ws/"
	case strings.HasPrefix(c.base, "http://"):
		return "ws://" + strings.TrimPrefix(c.base, "http://") + "/ws/"
	default:
		return "ws://" + c.base + "/ws/"
	}
}

func (c *ControlClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, errors.WrapInvalid(err, "ControlClient", method, "marshal request")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, errors.WrapInvalid(err, "ControlClient", method, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.WrapTransient(err, "ControlClient", method, "call "+path)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, errors.WrapTransient(err, "ControlClient", method, "decode reply")
		}
	}
	return resp.StatusCode, nil
}

// Authenticate exchanges credentials for a token.
func (c *ControlClient) Authenticate(ctx context.Context, username, password string) (string, error) {
	var reply wire.AuthenticateReply
	status, err := c.do(ctx, http.MethodPost, "/rest/authenticate",
		wire.AuthenticateRequest{Username: username, Password: password}, &reply)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusOK && reply.Token != "":
		return reply.Token, nil
	case status == http.StatusUnauthorized:
		return "", errors.WrapInvalid(errors.ErrAuthenticationFailed, "ControlClient", "Authenticate", "verify credentials")
	case status == http.StatusTooManyRequests:
		return "", errors.WrapTransient(errors.ErrRateLimited, "ControlClient", "Authenticate", "call /rest/authenticate")
	default:
		return "", errors.WrapTransient(fmt.Errorf("unexpected status %d", status), "ControlClient", "Authenticate", "call /rest/authenticate")
	}
}

// Reserve asks for mmsi under token.
func (c *ControlClient) Reserve(ctx context.Context, mmsi uint32, token string) (identity.ReservationResult, error) {
	var reply wire.ReserveReply
	status, err := c.do(ctx, http.MethodPost, "/rest/reserve", wire.ReserveRequest{MMSI: mmsi, Token: token}, &reply)
	if err != nil {
		return identity.ResultError, err
	}
	if status != http.StatusOK {
		return identity.ResultError, errors.WrapTransient(fmt.Errorf("unexpected status %d", status),
			"ControlClient", "Reserve", "call /rest/reserve")
	}
	return identity.ReservationResult(reply.Result), nil
}

// Release gives mmsi back.
func (c *ControlClient) Release(ctx context.Context, mmsi uint32, token string) error {
	path := "/rest/reserve/" + strconv.FormatUint(uint64(mmsi), 10) + "?token=" + url.QueryEscape(token)
	var reply wire.ErrorReply
	status, err := c.do(ctx, http.MethodDelete, path, nil, &reply)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusForbidden:
		return errors.WrapInvalid(errors.ErrNotHolder, "ControlClient", "Release", "release reservation")
	default:
		return errors.WrapTransient(fmt.Errorf("unexpected status %d", status), "ControlClient", "Release", "call "+path)
	}
}

// Targets fetches the backbone target table.
func (c *ControlClient) Targets(ctx context.Context, username, password string) ([]targets.TargetEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/rest/targets", nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ControlClient", "Targets", "build request")
	}
	req.SetBasicAuth(username, password)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "ControlClient", "Targets", "call /rest/targets")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.WrapInvalid(errors.ErrAuthenticationFailed, "ControlClient", "Targets", "call /rest/targets")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(fmt.Errorf("unexpected status %d", resp.StatusCode), "ControlClient", "Targets", "call /rest/targets")
	}
	var entries []targets.TargetEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, errors.WrapTransient(err, "ControlClient", "Targets", "decode reply")
	}
	return entries, nil
}
