package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientFetchPermissions(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"permissions":["manage:deals","view:analytics"]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	perms, err := client.FetchPermissions(context.Background(), "user-42")
	require.NoError(t, err)
	require.Equal(t, "/auth/permissions/user-42/", gotPath)
	require.Equal(t, []Permission{PermManageDeals, PermViewAnalytics}, perms)
}

func TestClientFetchPermissionsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	_, err := client.FetchPermissions(context.Background(), "user-42")
	require.Error(t, err)
}

func TestClientValidatePermission(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/auth/validate-permission/", r.URL.Path)

		var body struct {
			UserID     string `json:"user_id"`
			Permission string `json:"permission"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "user-42", body.UserID)
		require.Equal(t, "verify_deal_payment", body.Permission)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"valid":true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	valid, err := client.ValidatePermission(context.Background(), "user-42", PermVerifyDealPayment)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestClientValidatePermissionBadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	_, err := client.ValidatePermission(context.Background(), "u", PermViewOwnDeals)
	require.Error(t, err)
}
