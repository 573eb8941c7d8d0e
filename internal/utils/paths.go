package utils

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	// DefaultAppName names the node's directories
	DefaultAppName = "settlement-node"

	// HomeEnv puts every node directory under one root, for containers
	// and for running several nodes on one host
	HomeEnv = "SETTLEMENT_HOME"

	configFileName = "configs"
	walletsDirName = "wallets"
)

// AppPaths are the directories the node reads and writes. DataDir holds
// the database, keystore, wallet files, pid file and TLS material.
type AppPaths struct {
	ConfigDir string
	LogDir    string
	DataDir   string
}

// GetAppPaths resolves the node directories for this OS and creates them.
// When they cannot be created everything falls back to the working
// directory.
func GetAppPaths(appName string) *AppPaths {
	if appName == "" {
		appName = DefaultAppName
	}

	paths := resolveAppPaths(runtime.GOOS, appName, userHome(), os.Getenv)
	for _, dir := range []string{paths.ConfigDir, paths.LogDir, paths.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return &AppPaths{ConfigDir: ".", LogDir: ".", DataDir: "."}
		}
	}
	return paths
}

func resolveAppPaths(goos, appName, home string, getenv func(string) string) *AppPaths {
	if root := getenv(HomeEnv); root != "" {
		return &AppPaths{ConfigDir: root, LogDir: filepath.Join(root, "logs"), DataDir: root}
	}

	envOr := func(key string, fallback ...string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return filepath.Join(fallback...)
	}

	switch goos {
	case "windows":
		dir := filepath.Join(envOr("APPDATA", home, "AppData", "Roaming"), appName)
		return &AppPaths{ConfigDir: dir, LogDir: filepath.Join(dir, "logs"), DataDir: dir}

	case "darwin":
		dir := filepath.Join(home, "Library", "Application Support", appName)
		return &AppPaths{ConfigDir: dir, LogDir: filepath.Join(home, "Library", "Logs", appName), DataDir: dir}

	case "linux":
		// XDG base directories
		return &AppPaths{
			ConfigDir: filepath.Join(envOr("XDG_CONFIG_HOME", home, ".config"), appName),
			LogDir:    filepath.Join(envOr("XDG_CACHE_HOME", home, ".cache"), appName, "logs"),
			DataDir:   filepath.Join(envOr("XDG_DATA_HOME", home, ".local", "share"), appName),
		}
	}

	dir := filepath.Join(home, "."+appName)
	return &AppPaths{ConfigDir: dir, LogDir: dir, DataDir: dir}
}

func userHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// ConfigFile is the node's key = value configuration file
func (ap *AppPaths) ConfigFile() string {
	return filepath.Join(ap.ConfigDir, configFileName)
}

// WalletsDir holds one encrypted file per node wallet
func (ap *AppPaths) WalletsDir() string {
	return filepath.Join(ap.DataDir, walletsDirName)
}

// DataFile places a configured file name under DataDir. Absolute names are
// kept as they are.
func (ap *AppPaths) DataFile(name string) string {
	return ResolveIn(ap.DataDir, name)
}

// ResolveIn joins name to dir unless name is already absolute
func ResolveIn(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
