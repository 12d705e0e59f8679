package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

const (
	farmerAddr = "0x1111111111111111111111111111111111111111"
	buyerAddr  = "0x2222222222222222222222222222222222222222"
)

func sampleMetadata(t *testing.T) protocol.BatchMetadata {
	t.Helper()
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	m := protocol.BatchMetadata{
		SchemaVersion: protocol.MetadataSchemaVersion,
		BatchID:       "KA-WHE-DE-123456",
		CropType:      "Wheat",
		QuantityKg:    decimal.RequireFromString("1250.5"),
		QualityGrade:  "A",
		Origin:        "Delhi",
		Creator:       protocol.Party{Role: "farmer", Address: farmerAddr},
		Version:       1,
		CreatedAt:     created,
		Status:        protocol.StatusActive,
		CurrentOwner:  buyerAddr,
		OwnershipHistory: []protocol.OwnershipEvent{
			{To: farmerAddr, ActorRole: "farmer", Note: protocol.NoteBatchCreated, Timestamp: created},
			{From: protocol.StringPtr(farmerAddr), To: buyerAddr, ActorRole: "farmer", RecipientRole: "distributor", Timestamp: created.Add(time.Hour)},
		},
	}
	digest, err := protocol.MetadataDigest(m)
	require.NoError(t, err)
	m.MetadataHash = digest
	return m
}

func sampleTrace(t *testing.T) protocol.TraceView {
	m := sampleMetadata(t)
	return protocol.TraceView{
		BatchID:      m.BatchID,
		Found:        true,
		Metadata:     &m,
		MetadataHash: m.MetadataHash,
		OnChainBatch: &protocol.OnChainBatch{
			BatchID:      m.BatchID,
			CurrentOwner: buyerAddr,
			MetadataHash: "0x" + strings.ToUpper(m.MetadataHash[2:]),
		},
		CurrentOwner: buyerAddr,
		Timeline: []protocol.TimelineEntry{
			{To: farmerAddr, Timestamp: m.CreatedAt, Source: protocol.SourceMerged, Note: protocol.NoteBatchCreated},
		},
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeJSONFile(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestIDGenerateAndValidate(t *testing.T) {
	out, err := runCommand(t, "id", "generate", "--crop", "Wheat", "--location", "Delhi")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.Regexp(t, `^KA-WHE-DE-[0-9]{6}$`, id)

	out, err = runCommand(t, "id", "validate", id)
	require.NoError(t, err)
	assert.Contains(t, out, "valid=true")

	out, err = runCommand(t, "--format", "json", "id", "validate", "not-an-id")
	require.Error(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, false, result["valid"])
}

func TestIDGenerateRejectsBadPrefix(t *testing.T) {
	_, err := runCommand(t, "id", "generate", "--crop", "Rice", "--location", "Goa", "--prefix", "k1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prefix")
}

func TestInvalidFormat(t *testing.T) {
	_, err := runCommand(t, "--format", "yaml", "id", "validate", "KA-WHE-DE-123456")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestDigestIgnoresMutableFields(t *testing.T) {
	m := sampleMetadata(t)
	out, err := runCommand(t, "--format", "json", "digest", writeJSONFile(t, m))
	require.NoError(t, err)
	var first DigestResult
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.Equal(t, m.MetadataHash, first.Digest)

	m.Status = protocol.StatusSold
	m.CurrentOwner = farmerAddr
	out, err = runCommand(t, "digest", "--canonical", writeJSONFile(t, m))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, first.Digest, lines[0])
	assert.Contains(t, lines[1], `"batchId":"KA-WHE-DE-123456"`)
}

func TestVerifyTrace(t *testing.T) {
	report, err := VerifyTrace(sampleTrace(t))
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.True(t, report.HashMatchesLedger)
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Run("metadata edited", func(t *testing.T) {
		view := sampleTrace(t)
		view.Metadata.QuantityKg = decimal.RequireFromString("9999")
		out, err := runCommand(t, "verify", "--file", writeJSONFile(t, view))
		require.ErrorIs(t, err, errVerifyFailed)
		assert.Contains(t, out, "FAIL")
	})
	t.Run("broken chain", func(t *testing.T) {
		view := sampleTrace(t)
		view.Metadata.OwnershipHistory[1].From = protocol.StringPtr(buyerAddr)
		report, err := VerifyTrace(view)
		require.NoError(t, err)
		assert.False(t, report.ChainValid)
		assert.False(t, report.Passed)
	})
	t.Run("owner mismatch", func(t *testing.T) {
		view := sampleTrace(t)
		view.Metadata.CurrentOwner = farmerAddr
		report, err := VerifyTrace(view)
		require.NoError(t, err)
		assert.False(t, report.OwnerConsistent)
	})
	t.Run("ledger anchor differs", func(t *testing.T) {
		view := sampleTrace(t)
		view.OnChainBatch.MetadataHash = "0x" + strings.Repeat("ab", 32)
		report, err := VerifyTrace(view)
		require.NoError(t, err)
		assert.True(t, report.HashMatchesStore)
		assert.False(t, report.HashMatchesLedger)
		assert.False(t, report.Passed)
	})
	t.Run("unknown batch", func(t *testing.T) {
		_, err := VerifyTrace(protocol.TraceView{BatchID: "KA-WHE-DE-000000"})
		require.Error(t, err)
	})
}

func TestTraceAndVerifyAgainstAPI(t *testing.T) {
	view := sampleTrace(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: protocol.ErrorBody{Code: "UNAUTHORIZED", Message: "missing bearer token"}})
			return
		}
		if r.URL.Path != "/v1/batches/"+view.BatchID {
			_ = json.NewEncoder(w).Encode(protocol.TraceView{BatchID: strings.TrimPrefix(r.URL.Path, "/v1/batches/")})
			return
		}
		_ = json.NewEncoder(w).Encode(view)
	}))
	t.Cleanup(srv.Close)

	out, err := runCommand(t, "--api-url", srv.URL, "--token", "tok", "trace", view.BatchID)
	require.NoError(t, err)
	assert.Contains(t, out, "current owner:  "+buyerAddr)
	assert.Contains(t, out, "[merged]")

	out, err = runCommand(t, "--api-url", srv.URL, "--token", "tok", "trace", "KA-RIC-GO-000001")
	require.NoError(t, err)
	assert.Contains(t, out, "not found")

	out, err = runCommand(t, "--api-url", srv.URL, "--token", "tok", "--format", "json", "verify", view.BatchID)
	require.NoError(t, err)
	var report VerifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Passed)

	_, err = runCommand(t, "--api-url", srv.URL, "trace", view.BatchID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNAUTHORIZED")
}
