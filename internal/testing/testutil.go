// ABOUTME: Package testing provides shared test utilities and helper functions for the testbed.
//
// This package contains test helpers, factory functions for creating test data,
// and assertion utilities that promote consistent testing patterns across
// the testbed packages.
//
// Key utilities:
//   - Model factories: NewTestHost, NewTestPeerCreate
//   - Test helpers: TempFile, OpenTestDB, AssertJSONEqual, Eventually, RunLoop
//   - Test constants: FixedTime, TestHostname, TestUsername
//
// The package is designed to work with github.com/stretchr/testify for
// assertions and follows Go testing best practices.
package testing

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/sched"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestHostname = "node1.testbed.local"
	TestUsername = "testbed"
	TestSSHPort  = 2222
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// AssertJSONEqual asserts that two JSON values are semantically equal.
//
// This helper marshals both values to JSON and then compares the resulting
// JSON objects semantically, ignoring differences in whitespace and key order.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile creates a temporary file with the given content and returns its path.
//
// The file is created in the test's temporary directory and automatically
// cleaned up when the test completes.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "testfile")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file")
	return path
}

// MkdirTempInDir creates a temporary directory under the given parent directory.
//
// Unlike t.TempDir(), which doesn't allow specifying the parent, this function
// creates a temporary directory as a subdirectory of parentDir. The directory
// is automatically cleaned up when the test completes.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// Eventually waits for cond with a short default timeout suited to loop-driven tests.
func Eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msgAndArgs...)
}

// RunLoop drives loop on the calling goroutine until cond holds. Loop state is
// only touched by the test goroutine, so assertions never race with tasks.
func RunLoop(t *testing.T, loop *sched.Loop, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		loop.RunUntilIdle()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			require.Fail(t, "condition not met while running the loop", msgAndArgs...)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// ============================================================================
// Model Factory Functions
// ============================================================================

// HostOpts holds optional parameters for creating test hosts.
type HostOpts struct {
	ID             uint32
	Hostname       string
	Username       string
	Port           int
	ControllerAddr string
}

// NewTestHost creates a remote host spec with default values, applying optional overrides.
//
// Example:
//
//	host := NewTestHost(testing.HostOpts{ID: 3, Port: 22})
func NewTestHost(opts HostOpts) models.HostSpec {
	if opts.ID == 0 {
		opts.ID = 1
	}
	if opts.Hostname == "" {
		opts.Hostname = TestHostname
	}
	if opts.Username == "" {
		opts.Username = TestUsername
	}
	if opts.Port == 0 {
		opts.Port = TestSSHPort
	}
	return models.HostSpec{
		ID:             opts.ID,
		Hostname:       opts.Hostname,
		Username:       opts.Username,
		Port:           opts.Port,
		ControllerAddr: opts.ControllerAddr,
	}
}

// NewTestPeerCreate returns a create request for peerID on the local host with
// a small default configuration.
func NewTestPeerCreate(peerID uint32) models.PeerCreateRequest {
	return models.PeerCreateRequest{
		PeerID: peerID,
		HostID: models.LocalHostID,
		Config: models.PeerConfig{
			"testbed.peer": "yes",
			"arm.port":     "2087",
		},
	}
}

// ============================================================================
// Database Test Helpers
// ============================================================================

// OpenTestDB opens a test SQLite database in a temporary directory.
// The database is automatically closed and removed when the test completes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// RequireRowCount asserts the number of rows returned by a COUNT(*) query.
func RequireRowCount(t *testing.T, db *sql.DB, expected int, query string, args ...any) {
	t.Helper()
	var count int
	err := db.QueryRow(query, args...).Scan(&count)
	require.NoError(t, err, "failed to query rows")
	require.Equal(t, expected, count, "row count mismatch")
}
