//go:build integration

package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_BaseURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"ws://localhost:8000/rpc", "ws://localhost:8000"},
		{"wss://db.example.com", "wss://db.example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Config{URL: tt.url}.baseURL())
	}
}

func TestConfig_Auth(t *testing.T) {
	cfg := Config{Namespace: "ns", Database: "db", Username: "u", Password: "p"}

	root := cfg.auth()
	assert.Empty(t, root.Namespace)
	assert.Equal(t, "u", root.Username)

	cfg.AuthLevel = "database"
	scoped := cfg.auth()
	assert.Equal(t, "ns", scoped.Namespace)
	assert.Equal(t, "db", scoped.Database)
}

func TestNewClient_BadCredentials(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := testConfig
	cfg.Password = "wrong"
	_, err := NewClient(ctx, cfg, nil)
	assert.ErrorContains(t, err, "signin")
}

func TestInitSchema_Idempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := NewClient(ctx, testConfig, nil)
	require.NoError(t, err)
	defer func() { _ = client.Close(ctx) }()

	require.NoError(t, client.InitSchema(ctx))
	require.NoError(t, client.InitSchema(ctx))
}

func TestWipeData(t *testing.T) {
	ctx := context.Background()
	_, err := testDB.CreateRun(ctx, uuid.NewString(), "caption", "", "")
	require.NoError(t, err)

	require.NoError(t, testDB.WipeData(ctx))

	runs, err := testDB.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestClient_SurvivesIdle(t *testing.T) {
	wipe(t)
	ctx := context.Background()

	_, err := testDB.ListRuns(ctx, 1)
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	_, err = testDB.ListRuns(ctx, 1)
	require.NoError(t, err)
}
