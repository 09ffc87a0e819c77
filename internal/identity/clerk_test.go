package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invitationBody struct {
	EmailAddress string `json:"email_address"`
	Role         string `json:"role"`
	RedirectURL  string `json:"redirect_url"`
}

func TestClerkClientCreateInvitation(t *testing.T) {
	var got invitationBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/organizations/org_1/invitations"), r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"organization_invitation","id":"orginv_1","status":"pending",
			"email_address":"a@example.com","role":"org:member","organization_id":"org_1"}`))
	}))
	defer srv.Close()

	c := NewClerkClient(srv.URL, "sk_test", "https://app.example.com/join")
	inv, err := c.CreateInvitation(context.Background(), "org_1", "a@example.com", "member")
	require.NoError(t, err)
	assert.Equal(t, "orginv_1", inv.ID)
	assert.Equal(t, "pending", inv.Status)
	assert.Equal(t, "a@example.com", got.EmailAddress)
	assert.Equal(t, "org:member", got.Role)
	assert.Equal(t, "https://app.example.com/join", got.RedirectURL)
}

func TestClerkClientErrors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		_, err := NewClerkClient("", "", "").CreateInvitation(context.Background(), "org_1", "a@example.com", "member")
		require.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"errors":[{"code":"duplicate_record","message":"already invited"}]}`))
		}))
		defer srv.Close()
		_, err := NewClerkClient(srv.URL, "sk", "").CreateInvitation(context.Background(), "org_1", "a@example.com", "member")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create invitation")
	})

	t.Run("deadline", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := NewClerkClient(srv.URL, "sk", "").CreateInvitation(ctx, "org_1", "a@example.com", "member")
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})
}
