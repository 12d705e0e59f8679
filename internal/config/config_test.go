package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigForTest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("PROVENANCE_TOKEN", "tok")
	path := writeConfigForTest(t, `
storage:
  driver: memory
ledger:
  driver: memory
keys:
  keyring_path: /etc/provenance/keyring.yaml
security:
  bearer_token: "${PROVENANCE_TOKEN}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "tok", cfg.Security.BearerToken)
	assert.Equal(t, "KA", cfg.Transfer.BatchIDPrefix)
	assert.Equal(t, 300, cfg.Transfer.OTPTTLSeconds)
	assert.Equal(t, 5, cfg.Transfer.MaxOTPAttempts)
	assert.Equal(t, LockLocal, cfg.Lock.Driver)
	assert.True(t, *cfg.Resync.Enabled)
	assert.Equal(t, "provenance-api", cfg.Logging.Service)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown storage driver",
			body: `
storage: {driver: mongo}
ledger: {driver: memory}
keys: {keyring_path: k.yaml}
security: {bearer_token: tok}
`,
			want: "storage.driver must be one of",
		},
		{
			name: "insecure remote postgres",
			body: `
storage: {driver: postgres, postgres_dsn: "postgres://u:p@db.internal:5432/prov?sslmode=disable"}
ledger: {driver: memory}
keys: {keyring_path: k.yaml}
security: {bearer_token: tok}
`,
			want: "sslmode",
		},
		{
			name: "plain http ledger node",
			body: `
storage: {driver: memory}
ledger:
  driver: node
  node: {url: "http://ledger.internal:8301", write_token: w, ack_public_key_path: ack.pub}
keys: {keyring_path: k.yaml}
security: {bearer_token: tok}
`,
			want: "must use https",
		},
		{
			name: "missing bearer token",
			body: `
storage: {driver: memory}
ledger: {driver: memory}
keys: {keyring_path: k.yaml}
`,
			want: "security.bearer_token is required",
		},
		{
			name: "bad batch id prefix",
			body: `
storage: {driver: memory}
ledger: {driver: memory}
keys: {keyring_path: k.yaml}
transfer: {batch_id_prefix: K1}
security: {bearer_token: tok}
`,
			want: "batch_id_prefix",
		},
		{
			name: "postgres lock without postgres storage",
			body: `
storage: {driver: badger, badger_dir: /var/lib/provenance}
ledger: {driver: memory}
keys: {keyring_path: k.yaml}
lock: {driver: postgres}
security: {bearer_token: tok}
`,
			want: "requires storage.driver postgres",
		},
		{
			name: "bad cidr",
			body: `
storage: {driver: memory}
ledger: {driver: memory}
keys: {keyring_path: k.yaml}
security: {bearer_token: tok, enable_ip_allow_list: true, trusted_cidrs: ["10.0.0.0/33"]}
`,
			want: "trusted_cidrs[0] is invalid",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfigForTest(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadAllowsLoopbackWithoutTLS(t *testing.T) {
	path := writeConfigForTest(t, `
storage: {driver: postgres, postgres_dsn: "postgres://u:p@127.0.0.1:5432/prov?sslmode=disable"}
ledger:
  driver: node
  node: {url: "http://localhost:8301", write_token: w, ack_public_key_path: ack.pub}
keys: {keyring_path: k.yaml}
security: {bearer_token: tok}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, LedgerNode, cfg.Ledger.Driver)
}

func TestLoadLedgerNode(t *testing.T) {
	path := writeConfigForTest(t, `
storage: {driver: memory}
security: {write_token: w}
keys: {signing_private_key_path: ack.key}
`)
	cfg, err := LoadLedgerNode(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8301", cfg.Server.Listen)
	assert.Equal(t, "provenance-ledger-node", cfg.Logging.Service)

	_, err = LoadLedgerNode(writeConfigForTest(t, `
storage: {driver: memory}
keys: {signing_private_key_path: ack.key}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "security.write_token is required")
}
