package aria2

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigLoadSave(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yaml")

	// Missing file yields defaults.
	c, err := LoadConfig(filename)
	if err != nil {
		t.Fatal(err)
	}
	if *c != DefaultConfig {
		t.Errorf("unexpected default config: %+v", c)
	}

	c.BTMaxOpenFiles = 6
	c.FileAllocation = "falloc"
	err = c.Save(filename)
	if err != nil {
		t.Fatal(err)
	}

	c, err = LoadConfig(filename)
	if err != nil {
		t.Fatal(err)
	}
	if c.BTMaxOpenFiles != 6 {
		t.Error("invalid bt_max_open_files in config")
	}
	if c.FileAllocation != "falloc" {
		t.Error("invalid file_allocation in config")
	}
}

func TestConfigInvalidFileAllocation(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(filename, []byte("file_allocation: bogus\n"), 0640)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = LoadConfig(filename); err == nil {
		t.Error("expected error for invalid file_allocation")
	}
}
