package privileged

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls a Gateway over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// Invoke posts payload to the operation. A transport failure is returned as
// an error; an operation failure comes back in Result.Error.
func (c *Client) Invoke(ctx context.Context, token, op string, payload any) (Result, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/functions/v1/"+op, bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, fmt.Errorf("privileged %s: http %d: undecodable response", op, resp.StatusCode)
	}
	return res, nil
}

func (c *Client) CreateUser(ctx context.Context, token string, req CreateUserRequest) (string, error) {
	res, err := c.Invoke(ctx, token, "create-user", req)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", errors.New(res.Error)
	}
	return res.UserID, nil
}

func (c *Client) ResetPassword(ctx context.Context, token, userID, newPassword string) error {
	res, err := c.Invoke(ctx, token, "reset-user-password", ResetPasswordRequest{UserID: userID, NewPassword: newPassword})
	if err != nil {
		return err
	}
	if !res.OK() {
		return errors.New(res.Error)
	}
	return nil
}
