// Package identity delivers organization invitations through the identity
// provider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/organizationinvitation"
)

// Invitation is the provider's record of a sent invitation.
type Invitation struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Inviter sends an invitation to join an organization.
type Inviter interface {
	CreateInvitation(ctx context.Context, orgID, email, role string) (*Invitation, error)
}

// ErrNotConfigured is returned when no identity provider credentials are set.
var ErrNotConfigured = errors.New("identity provider not configured")

// ClerkClient sends invitations through its own Clerk SDK client.
type ClerkClient struct {
	invitations *organizationinvitation.Client
	redirectURL string
}

// NewClerkClient returns a client authenticated with secretKey. baseURL
// overrides the Clerk API host when set. Invitations carry redirectURL when
// it is set. An empty secretKey yields a client that always fails with
// ErrNotConfigured.
func NewClerkClient(baseURL, secretKey, redirectURL string) *ClerkClient {
	c := &ClerkClient{redirectURL: redirectURL}
	if secretKey == "" {
		return c
	}
	cfg := &clerk.ClientConfig{}
	cfg.Key = clerk.String(secretKey)
	cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	if baseURL != "" {
		cfg.URL = clerk.String(strings.TrimRight(baseURL, "/"))
	}
	c.invitations = organizationinvitation.NewClient(cfg)
	return c
}

// CreateInvitation creates an organization invitation. ctx bounds the call.
func (c *ClerkClient) CreateInvitation(ctx context.Context, orgID, email, role string) (*Invitation, error) {
	if c.invitations == nil {
		return nil, ErrNotConfigured
	}
	params := &organizationinvitation.CreateParams{
		OrganizationID: orgID,
		EmailAddress:   clerk.String(email),
		Role:           clerk.String("org:" + role),
	}
	if c.redirectURL != "" {
		params.RedirectURL = clerk.String(c.redirectURL)
	}
	inv, err := c.invitations.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create invitation: %w", err)
	}
	if inv == nil || inv.ID == "" {
		return nil, errors.New("create invitation: response has no id")
	}
	return &Invitation{ID: inv.ID, Status: inv.Status}, nil
}
