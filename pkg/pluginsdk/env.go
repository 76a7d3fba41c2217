package pluginsdk

import (
	"os"
	"runtime"
)

// Guest paths of the plugin and data directories under WASI.
const (
	WASIPluginDir = "/plugin"
	WASIDataDir   = "/data"
)

// Env is the launch context the host passes to a backend.
type Env struct {
	PluginID  string
	ChannelID string
	PluginDir string // read-only install directory
	DataDir   string // private writable directory
}

// LoadEnv reads the TOOLHOST_* variables. WASI modules see the host's
// directories at fixed mount points instead.
func LoadEnv() Env {
	env := Env{
		PluginID:  os.Getenv("TOOLHOST_PLUGIN_ID"),
		ChannelID: os.Getenv("TOOLHOST_CHANNEL_ID"),
		PluginDir: os.Getenv("TOOLHOST_PLUGIN_DIR"),
		DataDir:   os.Getenv("TOOLHOST_DATA_DIR"),
	}
	if runtime.GOOS == "wasip1" {
		env.PluginDir = WASIPluginDir
		env.DataDir = WASIDataDir
	}
	return env
}
