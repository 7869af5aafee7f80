// Package artifact reconciles local files with the server's copies by
// content hash: external scripts are pulled, inventory, catalogs and
// profiles are pushed.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"salagent/internal/client"
)

// API is the subset of the submission client the synchronizer uses.
type API interface {
	Get(ctx context.Context, path string) (*client.Response, error)
	Post(ctx context.Context, path string, body any) (*client.Response, error)
	Check(endpoint string, resp *client.Response) error
}

// Action is what reconciliation decided to do with one artifact.
type Action string

// Actions.
const (
	ActionNone     Action = "NONE"
	ActionUpload   Action = "UPLOAD"
	ActionDownload Action = "DOWNLOAD"
	ActionDelete   Action = "DELETE"
)

// SyncDecision records the reconciliation of one artifact.
type SyncDecision struct {
	Name       string
	Action     Action
	LocalHash  string
	RemoteHash string
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck // read-only

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sameHash(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

// DecidePull decides how to bring a local copy in line with the server. An
// empty remote hash means the server no longer lists the artifact.
func DecidePull(local, remote string) Action {
	switch {
	case remote == "" && local != "":
		return ActionDelete
	case remote == "":
		return ActionNone
	case sameHash(local, remote):
		return ActionNone
	default:
		return ActionDownload
	}
}

// DecidePush decides whether the server needs the local copy. An empty local
// hash means there is nothing to send.
func DecidePush(local, remote string) Action {
	if local == "" || sameHash(local, remote) {
		return ActionNone
	}
	return ActionUpload
}
