package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathhhys/blue-byte-booster/internal/service"
	"github.com/mathhhys/blue-byte-booster/internal/utils"
)

func setEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("APP_ENV", "test")
	t.Setenv("LOG_LEVEL", "error")
	return path
}

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	setEnv(t)
	stdout, err := executeCLI(t, "token", "--actor", "user_1", "--org", "org_a", "--role", "admin")
	require.NoError(t, err)
	var tok utils.AccessToken
	require.NoError(t, json.Unmarshal([]byte(stdout), &tok))
	assert.NotEmpty(t, tok.Token)
}

func TestTokenCommandRequiresActor(t *testing.T) {
	setEnv(t)
	_, err := executeCLI(t, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "actor" not set`)
}

func TestTokenCommandRefusedInProduction(t *testing.T) {
	setEnv(t)
	t.Setenv("APP_ENV", "production")
	_, err := executeCLI(t, "token", "--actor", "user_1")
	require.Error(t, err)
}

func TestMigrateAndSweepOnSQLite(t *testing.T) {
	setEnv(t)
	stdout, err := executeCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "schema up to date (sqlite)")

	stdout, err = executeCLI(t, "sweep")
	require.NoError(t, err)
	var res service.SweepResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Zero(t, res.Revoked+res.Expired)
}

func TestVerifyEmptyLedgerIsConsistent(t *testing.T) {
	setEnv(t)
	stdout, err := executeCLI(t, "verify", "--user", "user_1")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"consistent": true`)
}

func TestResyncWithoutProviderFails(t *testing.T) {
	setEnv(t)
	t.Setenv("STRIPE_API_KEY", "")
	_, err := executeCLI(t, "resync", "org_a")
	require.ErrorIs(t, err, service.ErrEntitlementNotFound)
}
