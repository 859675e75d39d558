package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandStructure(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "setup", "chat", "credential", "migrate"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestCredentialSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range credentialCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"list", "add", "remove", "enable", "disable"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestWriteSetupConfig(t *testing.T) {
	dir := t.TempDir()
	origPath, origToken, origAddr, origDB := setupConfigPath, setupManagementToken, setupListenAddr, setupDatabasePath
	origKey := setupEncryptionKey
	t.Cleanup(func() {
		setupConfigPath, setupManagementToken, setupListenAddr, setupDatabasePath = origPath, origToken, origAddr, origDB
		setupEncryptionKey = origKey
	})

	setupConfigPath = filepath.Join(dir, "conf", ".env")
	setupManagementToken = "tok-123"
	setupListenAddr = ":9090"
	setupDatabasePath = "data/test.db"
	setupEncryptionKey = ""

	writeSetupConfig()

	content, err := os.ReadFile(setupConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "MANAGEMENT_TOKEN=tok-123")
	assert.Contains(t, string(content), "LISTEN_ADDR=:9090")
	assert.Contains(t, string(content), "DATABASE_PATH=data/test.db")
	assert.NotContains(t, string(content), "ENCRYPTION_KEY")

	setupConfigPath = filepath.Join(dir, "conf", "enc.env")
	setupEncryptionKey = "a2V5"
	writeSetupConfig()

	content, err = os.ReadFile(setupConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "ENCRYPTION_KEY=a2V5")

	info, err := os.Stat(setupConfigPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestGenerateSecureToken(t *testing.T) {
	a := generateSecureToken(32)
	b := generateSecureToken(32)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
