// Package chatclient talks to the chat platform gateway over REST. It provides
// role changes, report messages, member lookups and direct messages.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"registrar/internal/attendance"
)

// ErrDisabled is returned by lookups while the client runs in skip mode.
var ErrDisabled = errors.New("chat gateway disabled")

// Client calls the chat gateway.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Skip    bool
}

var (
	_ attendance.RoleSink    = (*Client)(nil)
	_ attendance.MessageSink = (*Client)(nil)
	_ attendance.Directory   = (*Client)(nil)
	_ attendance.Notifier    = (*Client)(nil)
)

// New creates a client with configurable timeout. In skip mode writes succeed
// without a gateway and lookups fail with ErrDisabled.
func New(baseURL, token string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// GrantRole gives roleID to subjectID.
func (c *Client) GrantRole(ctx context.Context, orgID, subjectID, roleID string) error {
	if c.Skip {
		return nil
	}
	return c.do(ctx, http.MethodPut, rolePath(orgID, subjectID, roleID), nil, nil)
}

// RevokeRole takes roleID from subjectID. Revoking a role the subject does not
// hold succeeds.
func (c *Client) RevokeRole(ctx context.Context, orgID, subjectID, roleID string) error {
	if c.Skip {
		return nil
	}
	err := c.do(ctx, http.MethodDelete, rolePath(orgID, subjectID, roleID), nil, nil)
	if errors.Is(err, attendance.ErrNotFound) {
		return nil
	}
	return err
}

// Send posts content to channelID.
func (c *Client) Send(ctx context.Context, channelID, content string) (attendance.MessageRef, error) {
	if c.Skip {
		return attendance.MessageRef{ChannelID: channelID, MessageID: uuid.NewString()}, nil
	}
	var out struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
	}
	err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/messages", map[string]string{"content": content}, &out)
	if err != nil {
		return attendance.MessageRef{}, err
	}
	if out.ID == "" {
		return attendance.MessageRef{}, fmt.Errorf("%w: gateway returned no message id", attendance.ErrExternal)
	}
	if out.ChannelID == "" {
		out.ChannelID = channelID
	}
	return attendance.MessageRef{ChannelID: out.ChannelID, MessageID: out.ID}, nil
}

// Edit replaces the content of a message.
func (c *Client) Edit(ctx context.Context, ref attendance.MessageRef, content string) error {
	if c.Skip {
		return nil
	}
	return c.do(ctx, http.MethodPatch, messagePath(ref), map[string]string{"content": content}, nil)
}

// Delete removes a message.
func (c *Client) Delete(ctx context.Context, ref attendance.MessageRef) error {
	if c.Skip {
		return nil
	}
	return c.do(ctx, http.MethodDelete, messagePath(ref), nil, nil)
}

// Fetch checks that a message still exists.
func (c *Client) Fetch(ctx context.Context, ref attendance.MessageRef) error {
	if c.Skip {
		return nil
	}
	return c.do(ctx, http.MethodGet, messagePath(ref), nil, nil)
}

// Members lists the members of orgID holding roleID.
func (c *Client) Members(ctx context.Context, orgID, roleID string) ([]attendance.Member, error) {
	if c.Skip {
		return nil, ErrDisabled
	}
	var out struct {
		Members []attendance.Member `json:"members"`
	}
	path := "/orgs/" + url.PathEscape(orgID) + "/roles/" + url.PathEscape(roleID) + "/members"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// HasRole reports whether subjectID holds roleID. Unknown members hold nothing.
func (c *Client) HasRole(ctx context.Context, orgID, subjectID, roleID string) (bool, error) {
	if c.Skip {
		return false, ErrDisabled
	}
	var out struct {
		Roles []string `json:"roles"`
	}
	path := "/orgs/" + url.PathEscape(orgID) + "/members/" + url.PathEscape(subjectID) + "/roles"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		if errors.Is(err, attendance.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, r := range out.Roles {
		if r == roleID {
			return true, nil
		}
	}
	return false, nil
}

// DisplayNames resolves subject ids to display names. Unknown ids are omitted.
func (c *Client) DisplayNames(ctx context.Context, orgID string, ids []string) (map[string]string, error) {
	if c.Skip {
		return nil, ErrDisabled
	}
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	var out struct {
		Names map[string]string `json:"names"`
	}
	path := "/orgs/" + url.PathEscape(orgID) + "/members/lookup"
	if err := c.do(ctx, http.MethodPost, path, map[string][]string{"ids": ids}, &out); err != nil {
		return nil, err
	}
	if out.Names == nil {
		out.Names = map[string]string{}
	}
	return out.Names, nil
}

// ChannelOrg returns the organization owning channelID.
func (c *Client) ChannelOrg(ctx context.Context, channelID string) (string, error) {
	if c.Skip {
		return "", ErrDisabled
	}
	var out struct {
		OrgID string `json:"org_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID), nil, &out); err != nil {
		return "", err
	}
	return out.OrgID, nil
}

// DirectMessage sends content to subjectID privately.
func (c *Client) DirectMessage(ctx context.Context, orgID, subjectID, content string) error {
	if c.Skip {
		return nil
	}
	path := "/orgs/" + url.PathEscape(orgID) + "/members/" + url.PathEscape(subjectID) + "/dm"
	return c.do(ctx, http.MethodPost, path, map[string]string{"content": content}, nil)
}

// Health checks if the gateway is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func rolePath(orgID, subjectID, roleID string) string {
	return "/orgs/" + url.PathEscape(orgID) + "/members/" + url.PathEscape(subjectID) + "/roles/" + url.PathEscape(roleID)
}

func messagePath(ref attendance.MessageRef) string {
	return "/channels/" + url.PathEscape(ref.ChannelID) + "/messages/" + url.PathEscape(ref.MessageID)
}

// do sends one request. POSTs carry an Idempotency-Key so gateway retries do
// not duplicate messages.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: chat gateway request failed: %v", attendance.ErrExternal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := attendance.ErrExternal
		switch resp.StatusCode {
		case http.StatusNotFound:
			kind = attendance.ErrNotFound
		case http.StatusForbidden:
			kind = attendance.ErrForbidden
		}
		return fmt.Errorf("%w: %s %s: %s %s", kind, method, path, resp.Status, strings.TrimSpace(string(bodyBytes)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", attendance.ErrExternal, err)
	}
	return nil
}
