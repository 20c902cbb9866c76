package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the base directory for simulator output (PCAP traces,
// scenario logs). Overridable for tests and CI via BLESIM_DATA_DIR.
func GetDataDir() string {
	if envDir := os.Getenv("BLESIM_DATA_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".blesim-data")
}

// GetTraceDir returns (and creates) the directory PCAP traces for a run are
// written into.
func GetTraceDir(runID string) (string, error) {
	dir := filepath.Join(GetDataDir(), "traces", runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
