package noderuntime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

const nodeIDFile = "node-id"

// loadOrCreateNodeID returns the persisted node id, generating and atomically
// writing one on first start so the node keeps its identity across restarts.
func loadOrCreateNodeID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, nodeIDFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read node id file: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist node id: %w", err)
	}
	return id, nil
}
