package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/palisade/internal/config"
)

// RunInitConfig writes a commented default configuration file.
func RunInitConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
