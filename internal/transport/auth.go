package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// User is the signed-in principal as reported by the API.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
	OrgID    string `json:"org_id"`
	IsActive bool   `json:"is_active"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User User `json:"user"`
}

// Login exchanges email and password for the session cookies. It bypasses
// renewal: a 401 here means the credentials were wrong. A successful login
// re-arms the teardown hooks.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	data, err := encodeBody(loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("transport: login: %w", err)
	}
	resp, err := c.send(ctx, http.MethodPost, "/auth/login", data)
	if err != nil {
		return nil, fmt.Errorf("transport: login: %w", err)
	}
	p, err := finish(resp)
	if err != nil {
		return nil, fmt.Errorf("transport: login: %w", err)
	}
	var lr loginResponse
	if err := p.Decode(&lr); err != nil {
		return nil, fmt.Errorf("transport: login: %w", err)
	}

	c.mu.Lock()
	c.generation++
	c.tornDown = false
	c.renewFailed = false
	c.mu.Unlock()

	c.jar.save()
	return &lr.User, nil
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.Do(ctx, http.MethodGet, "/auth/me", nil, &u); err != nil {
		return nil, fmt.Errorf("transport: me: %w", err)
	}
	return &u, nil
}

// Logout revokes the session server-side and tears it down locally. The
// local teardown happens even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Call(ctx, http.MethodPost, "/auth/logout", nil)
	c.teardown()
	if err != nil && !errors.Is(err, ErrUnauthenticated) {
		return fmt.Errorf("transport: logout: %w", err)
	}
	return nil
}
