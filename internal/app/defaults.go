package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables read by GetDefaults.
const (
	EnvConfigPath = "LABSNAP_CONFIG_PATH" // config file, default ~/.config/labsnap.toml
	EnvHome       = "LABSNAP_HOME"        // data dir, default ~/.local/share/labsnap
	EnvDBPath     = "DB_PATH"             // live store path
	EnvExportsDir = "EXPORTS_DIR"         // artifact root
)

// Defaults are the locations an invocation starts from before flags apply.
// StorePath and ExportsDir are empty unless DB_PATH / EXPORTS_DIR are set.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	StorePath  string
	ExportsDir string
}

// GetDefaults resolves the default locations from the environment, falling
// back to the XDG-style paths under the home directory.
func GetDefaults() (*Defaults, error) {
	d := &Defaults{
		ConfigPath: os.Getenv(EnvConfigPath),
		BaseDir:    os.Getenv(EnvHome),
		StorePath:  os.Getenv(EnvDBPath),
		ExportsDir: os.Getenv(EnvExportsDir),
	}
	if d.ConfigPath != "" && d.BaseDir != "" {
		return d, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}
	if d.ConfigPath == "" {
		d.ConfigPath = filepath.Join(homeDir, ".config", "labsnap.toml")
	}
	if d.BaseDir == "" {
		d.BaseDir = filepath.Join(homeDir, ".local", "share", "labsnap")
	}
	return d, nil
}

// Apply fills the locations flags left unset from DB_PATH and EXPORTS_DIR.
// Both then take precedence over the config file.
func (d *Defaults) Apply(ov Overrides) Overrides {
	if ov.DBPath == "" {
		ov.DBPath = d.StorePath
	}
	if ov.ExportsDir == "" {
		ov.ExportsDir = d.ExportsDir
	}
	return ov
}
