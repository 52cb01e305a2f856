package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const validYAML = `
rpc_endpoints:
  - https://rpc-primary.example
  - https://rpc-backup.example
chain_id: 8453
spend_threshold_native: "1000000000000000000"
persistence_dsn: "user:pass@tcp(127.0.0.1:3306)/core?parseTime=true"
rate_limits:
  - tool: ""
    max_calls: 10
    window_seconds: 60
  - tool: "execute_transfer"
    max_calls: 2
    window_seconds: 60
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfigFile(t, validYAML)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://rpc-primary.example", "https://rpc-backup.example"}, cfg.RPCEndpoints)
	assert.EqualValues(t, 8453, cfg.ChainID)
	assert.Len(t, cfg.RateLimits, 2)
	assert.Equal(t, 50, cfg.FeePercentile)
	assert.Equal(t, 20, cfg.FeeSampleBlocks)
}

func TestLoadRejectsMissingEndpoints(t *testing.T) {
	path := writeConfigFile(t, `chain_id: 1`)

	_, err := Load(path, "")
	assert.Error(t, err)
}

func TestLoadRejectsPlaintextExportWithoutCode(t *testing.T) {
	path := writeConfigFile(t, `
rpc_endpoints: ["https://rpc.example"]
chain_id: 1
plaintext_export_enabled: true
`)
	os.Unsetenv("CORE_PLAINTEXT_EXPORT_CODE")

	_, err := Load(path, "")
	assert.Error(t, err)
}

func TestLoadRejectsBadRateLimitRule(t *testing.T) {
	path := writeConfigFile(t, `
rpc_endpoints: ["https://rpc.example"]
chain_id: 1
rate_limits:
  - tool: "create_wallet"
    max_calls: 0
    window_seconds: 60
`)

	_, err := Load(path, "")
	assert.Error(t, err)
}

func TestLoadReadsConfirmationCodeFromEnv(t *testing.T) {
	path := writeConfigFile(t, validYAML)
	t.Setenv("CORE_CONFIRMATION_CODE", "OK-42")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "OK-42", cfg.ConfirmationCode)
}
