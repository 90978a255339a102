package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kase1111-hash/learning-contracts/pkg/audit"
	"github.com/kase1111-hash/learning-contracts/pkg/override"
)

const episodicDraft = `
created_by: alice
contract_type: episodic
scope:
  domains: [coding]
memory_permissions:
  may_store: true
  classification_cap: 2
  retention: permanent
`

// setupEnv points every backend at a temp dir so state persists between Run
// calls the way it does between real invocations.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LC_STORAGE_BACKEND", "file")
	t.Setenv("LC_STORAGE_PATH", filepath.Join(dir, "contracts.json"))
	t.Setenv("LC_AUDIT_SINK", "sqlite")
	t.Setenv("LC_AUDIT_PATH", filepath.Join(dir, "audit.db"))
	t.Setenv("LC_AUDIT_ARCHIVE_TYPE", "fs")
	t.Setenv("LC_AUDIT_ARCHIVE_DIR", filepath.Join(dir, "evidence"))
	t.Setenv("LC_LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func createActive(t *testing.T, dir string) string {
	t.Helper()
	draft := writeFile(t, dir, "draft.yaml", episodicDraft)

	code, out, errOut := run(t, "contract", "create", "-f", draft)
	require.Equal(t, exitOK, code, errOut)
	var created struct {
		ContractID string `json:"contract_id"`
		State      string `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.Equal(t, "draft", created.State)

	code, _, errOut = run(t, "contract", "submit", created.ContractID, "--actor", "alice")
	require.Equal(t, exitOK, code, errOut)
	code, out, errOut = run(t, "contract", "activate", created.ContractID, "--actor", "alice")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, `"state": "active"`)
	return created.ContractID
}

func TestRun_ContractLifecycleAndChecks(t *testing.T) {
	dir := setupEnv(t)
	id := createActive(t, dir)

	code, out, _ := run(t, "check", "memory-creation", id, "--classification", "2", "--domain", "coding")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, `"allowed": true`)

	code, out, _ = run(t, "check", "memory-creation", id, "--classification", "3", "--domain", "coding")
	assert.Equal(t, exitDenied, code)
	assert.Contains(t, out, "classification 3 exceeds cap 2")

	code, out, _ = run(t, "check", "recall", id, "--requester", "bob", "--domain", "coding")
	assert.Equal(t, exitDenied, code)
	assert.Contains(t, out, "not the contract owner")

	code, _, errOut := run(t, "contract", "revoke", id, "--actor", "alice", "--reason", "done")
	require.Equal(t, exitOK, code, errOut)

	code, out, _ = run(t, "check", "recall", id, "--requester", "alice", "--domain", "coding")
	assert.Equal(t, exitDenied, code)
	assert.Contains(t, out, "contract revoked: memory is tombstoned")

	code, out, _ = run(t, "check", "export", "lc-missing")
	assert.Equal(t, exitDenied, code)
	assert.Contains(t, out, "no contract governs this operation")
}

func TestRun_AuditPersistsAcrossInvocations(t *testing.T) {
	dir := setupEnv(t)
	id := createActive(t, dir)
	run(t, "check", "export", id)

	code, out, errOut := run(t, "audit", "verify")
	require.Equal(t, exitOK, code, errOut)
	// created, reviewed, activated, check, violation
	assert.Contains(t, out, "chain ok: 5 events")

	code, out, _ = run(t, "audit", "query", "--contract", id, "--type", "enforcement_violation")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "contract scope is not transferable")

	code, out, _ = run(t, "audit", "query", "--expr", `event.event_type == "contract_activated"`)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"actor": "alice"`)

	code, _, errOut = run(t, "audit", "query", "--expr", "event.(")
	assert.Equal(t, exitUsage, code, errOut)

	code, out, errOut = run(t, "audit", "export", "--contract", id, "-o", filepath.Join(dir, "pack.zip"), "--publish")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, `"digest": "sha256:`)
	_, err := os.Stat(filepath.Join(dir, "pack.zip"))
	assert.NoError(t, err)
}

func TestRun_Amend(t *testing.T) {
	dir := setupEnv(t)
	id := createActive(t, dir)
	amendment := writeFile(t, dir, "amend.yaml", "scope:\n  domains: [coding, writing]\n")

	code, out, errOut := run(t, "contract", "amend", id, "-f", amendment, "--actor", "alice", "--reason", "widen")
	require.Equal(t, exitOK, code, errOut)
	var res struct {
		Original  struct{ State string } `json:"original"`
		Successor struct {
			State    string         `json:"state"`
			Metadata map[string]any `json:"metadata"`
		} `json:"successor"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "amended", res.Original.State)
	assert.Equal(t, "draft", res.Successor.State)
	assert.Equal(t, id, res.Successor.Metadata["amended_from"])

	code, out, _ = run(t, "contract", "list", "--state", "draft")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "writing")
}

func TestRun_OverrideEngagedFromConfig(t *testing.T) {
	dir := setupEnv(t)
	id := createActive(t, dir)

	t.Setenv("LC_OVERRIDE_ENGAGED", "true")
	t.Setenv("LC_OVERRIDE_REASON", "Security incident")

	code, out, _ := run(t, "check", "memory-creation", id, "--classification", "1", "--domain", "coding")
	assert.Equal(t, exitDenied, code)
	assert.Contains(t, out, "emergency override active: Security incident")

	code, out, _ = run(t, "override", "status")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"active": true`)
	assert.Contains(t, out, `"triggered_by": "config"`)

	code, _, errOut := run(t, "audit", "verify")
	require.Equal(t, exitOK, code, errOut)
	assert.Len(t, overrideEvents(t, "emergency_override_triggered"), 1)

	t.Setenv("LC_OVERRIDE_ENGAGED", "false")
	code, out, _ = run(t, "override", "status")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"active": false`)

	code, out, _ = run(t, "check", "memory-creation", id, "--classification", "1", "--domain", "coding")
	assert.Equal(t, exitOK, code, out)

	disabled := overrideEvents(t, "emergency_override_disabled")
	require.Len(t, disabled, 1)
	assert.Equal(t, "config", disabled[0].Actor)
	assert.Len(t, overrideEvents(t, "emergency_override_triggered"), 1)
}

func overrideEvents(t *testing.T, eventType string) []audit.AuditEvent {
	t.Helper()
	code, out, errOut := run(t, "audit", "query", "--type", eventType)
	require.Equal(t, exitOK, code, errOut)
	var events []audit.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	return events
}

func TestRun_OverrideToken(t *testing.T) {
	setupEnv(t)
	t.Setenv("LC_OVERRIDE_JWT_SECRET", "shared-secret")

	code, out, errOut := run(t, "override", "token", "--actor", "ops")
	require.Equal(t, exitOK, code, errOut)

	v := override.JWTVerifier{Key: []byte("shared-secret"), Issuer: "learning-contracts"}
	assert.NoError(t, v.Verify(context.Background(), strings.TrimSpace(out), "ops"))
	assert.Error(t, v.Verify(context.Background(), strings.TrimSpace(out), "mallory"))
}

func TestRun_UsageErrors(t *testing.T) {
	setupEnv(t)

	code, _, _ := run(t, "check", "teleport", "lc-1")
	assert.Equal(t, exitUsage, code)

	code, _, _ = run(t, "contract", "submit", "lc-1")
	assert.Equal(t, exitUsage, code)

	code, _, errOut := run(t, "contract", "submit", "lc-missing", "--actor", "alice")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "contract not found")
}

func TestRun_Doctor(t *testing.T) {
	setupEnv(t)
	code, out, errOut := run(t, "doctor", "--json")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, `"name": "audit"`)
	assert.Contains(t, out, "chain intact")

	t.Setenv("LC_STORAGE_BACKEND", "tape")
	code, _, _ = run(t, "doctor")
	assert.Equal(t, exitError, code)
}
