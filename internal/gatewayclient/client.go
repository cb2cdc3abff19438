package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"netgrant/internal/models"
	"netgrant/internal/observability/metrics"
)

type Outcome string

const (
	OutcomeOK Outcome = "ok"
	// OutcomeRetryable covers transport failures and timeouts; the device state is unknown.
	OutcomeRetryable Outcome = "retryable"
	// OutcomeRejected means the device or relay refused the command (e.g. bad credentials).
	OutcomeRejected Outcome = "rejected"
)

const (
	OpGrant  = "grant"
	OpRevoke = "revoke"
)

// Native commands understood by the relay.
const (
	CmdBindingAdd      = "ip-binding/add"
	CmdBindingRemove   = "ip-binding/remove"
	CmdAllowListAdd    = "address-list/add"
	CmdAllowListRemove = "address-list/remove"
	CmdActiveRemove    = "active/remove"
)

// AllowListName is the gateway address list that admits paid clients.
const AllowListName = "netgrant-paid"

var ErrMissingCredentials = errors.New("gateway has no credentials")

type Target struct {
	Ip  string
	Mac string
}

type Result struct {
	Outcome Outcome
	Err     error
}

func (r Result) OK() bool { return r.Outcome == OutcomeOK }

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Log     *slog.Logger
	Now     func() time.Time
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
		Log:     slog.Default(),
		Now:     time.Now,
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type relayRequest struct {
	Host        string            `json:"host"`
	Credentials credentials       `json:"credentials"`
	Operation   string            `json:"operation"`
	Args        map[string]string `json:"args"`
}

type relayResponse struct {
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Grant admits the client on the gateway. Safe to repeat.
func (c *Client) Grant(ctx context.Context, gw models.Gateway, t Target, label string) Result {
	var cmds []relayRequest
	if t.Mac != "" {
		args := map[string]string{"mac-address": t.Mac, "type": "bypassed", "comment": label}
		if t.Ip != "" {
			args["address"] = t.Ip
		}
		cmds = append(cmds, c.request(gw, CmdBindingAdd, args))
	}
	if t.Ip != "" {
		cmds = append(cmds, c.request(gw, CmdAllowListAdd, map[string]string{
			"list": AllowListName, "address": t.Ip, "comment": label,
		}))
	}
	return c.run(ctx, gw, OpGrant, t, cmds)
}

// Revoke removes the client from the gateway. Revoking an absent client succeeds.
func (c *Client) Revoke(ctx context.Context, gw models.Gateway, t Target) Result {
	var cmds []relayRequest
	if t.Ip != "" {
		cmds = append(cmds, c.request(gw, CmdAllowListRemove, map[string]string{
			"list": AllowListName, "address": t.Ip,
		}))
	}
	if t.Mac != "" {
		cmds = append(cmds, c.request(gw, CmdBindingRemove, map[string]string{"mac-address": t.Mac}))
	}
	active := map[string]string{}
	if t.Ip != "" {
		active["address"] = t.Ip
	}
	if t.Mac != "" {
		active["mac-address"] = t.Mac
	}
	if len(active) > 0 {
		cmds = append(cmds, c.request(gw, CmdActiveRemove, active))
	}
	return c.run(ctx, gw, OpRevoke, t, cmds)
}

func (c *Client) request(gw models.Gateway, op string, args map[string]string) relayRequest {
	return relayRequest{
		Host:        gw.Host,
		Credentials: credentials{Username: gw.Username, Password: gw.Secret},
		Operation:   op,
		Args:        args,
	}
}

func (c *Client) run(ctx context.Context, gw models.Gateway, op string, t Target, cmds []relayRequest) Result {
	if gw.Username == "" || gw.Secret == "" {
		res := Result{Outcome: OutcomeRejected, Err: ErrMissingCredentials}
		c.record(gw, op, "", t, res)
		return res
	}
	if len(cmds) == 0 {
		res := Result{Outcome: OutcomeRejected, Err: errors.New("no client identifier")}
		c.record(gw, op, "", t, res)
		return res
	}
	for _, cmd := range cmds {
		res := c.send(ctx, cmd)
		c.record(gw, op, cmd.Operation, t, res)
		if !res.OK() {
			return res
		}
	}
	return Result{Outcome: OutcomeOK}
}

func (c *Client) send(ctx context.Context, cmd relayRequest) Result {
	body, err := json.Marshal(cmd)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/commands", bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeRetryable, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Outcome: OutcomeRetryable, Err: err}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("relay status %d: %s", resp.StatusCode, truncate(b))}
	}

	var rr relayResponse
	if err := json.Unmarshal(b, &rr); err != nil {
		if resp.StatusCode >= 400 {
			return Result{Outcome: OutcomeRejected, Err: fmt.Errorf("relay status %d: %s", resp.StatusCode, truncate(b))}
		}
		return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("decode relay response: %w", err)}
	}
	if rr.Ok || alreadyInState(cmd.Operation, rr.Error) {
		return Result{Outcome: OutcomeOK}
	}
	if rr.Error == "" {
		rr.Error = fmt.Sprintf("relay status %d", resp.StatusCode)
	}
	return Result{Outcome: OutcomeRejected, Err: errors.New(rr.Error)}
}

// alreadyInState reports whether a device error means the command's goal already holds.
func alreadyInState(op, msg string) bool {
	msg = strings.ToLower(msg)
	if msg == "" {
		return false
	}
	if strings.HasSuffix(op, "/add") {
		return strings.Contains(msg, "already have") || strings.Contains(msg, "already exists")
	}
	if strings.HasSuffix(op, "/remove") {
		return strings.Contains(msg, "no such item") || strings.Contains(msg, "not found")
	}
	return false
}

func (c *Client) record(gw models.Gateway, op, cmd string, t Target, res Result) {
	rec := models.CommandRecord{
		GatewayId: gw.GatewayId,
		Operation: op,
		Command:   cmd,
		ClientIp:  t.Ip,
		ClientMac: t.Mac,
		Outcome:   string(res.Outcome),
		At:        time.Now().UTC(),
	}
	if c.Now != nil {
		rec.At = c.Now().UTC()
	}
	if res.Err != nil {
		rec.Detail = res.Err.Error()
	}
	metrics.GatewayCommandsTotal.WithLabelValues(op, rec.Outcome).Inc()

	attrs := []any{
		"gateway_id", rec.GatewayId,
		"operation", rec.Operation,
		"command", rec.Command,
		"client_ip", rec.ClientIp,
		"client_mac", rec.ClientMac,
		"outcome", rec.Outcome,
		"at", rec.At,
	}
	switch res.Outcome {
	case OutcomeOK:
		c.logger().Info("gateway command", attrs...)
	case OutcomeRetryable:
		c.logger().Warn("gateway command", append(attrs, "error", rec.Detail)...)
	default:
		c.logger().Error("gateway command rejected", append(attrs, "error", rec.Detail)...)
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256])
	}
	return string(b)
}
