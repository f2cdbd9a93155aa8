package config

import (
	"os"
	"path/filepath"

	"github.com/graphchan/graphchan/pkg/utils"
)

// Paths resolves the on-disk layout under a node's base directory:
// data/ for the database, files/ for uploads and downloads, blobs/ for the
// content-addressed store, keys/ for identity material, logs/ for log files.
type Paths struct {
	BaseDir       string
	DatabaseFile  string
	UploadsDir    string
	DownloadsDir  string
	BlobsDir      string
	GPGDir        string
	GPGPublicKey  string
	GPGPrivateKey string
	OverlayKey    string
	X25519Key     string
	LogsDir       string
}

// NewPaths computes the layout rooted at baseDir without touching the
// filesystem.
func NewPaths(baseDir string) Paths {
	keys := filepath.Join(baseDir, "keys")
	return Paths{
		BaseDir:       baseDir,
		DatabaseFile:  filepath.Join(baseDir, "data", "graphchan.db"),
		UploadsDir:    filepath.Join(baseDir, "files", "uploads"),
		DownloadsDir:  filepath.Join(baseDir, "files", "downloads"),
		BlobsDir:      filepath.Join(baseDir, "blobs"),
		GPGDir:        filepath.Join(keys, "gpg"),
		GPGPublicKey:  filepath.Join(keys, "gpg", "public.asc"),
		GPGPrivateKey: filepath.Join(keys, "gpg", "private.asc"),
		OverlayKey:    filepath.Join(keys, "overlay-secret"),
		X25519Key:     filepath.Join(keys, "x25519-secret"),
		LogsDir:       filepath.Join(baseDir, "logs"),
	}
}

// Ensure creates every directory of the layout. Key directories are created
// 0700; everything else 0755.
func (p Paths) Ensure() error {
	for _, dir := range []string{
		filepath.Dir(p.DatabaseFile), p.UploadsDir, p.DownloadsDir, p.BlobsDir, p.LogsDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return utils.Wrap(err, "create "+dir)
		}
	}
	if err := os.MkdirAll(p.GPGDir, 0o700); err != nil {
		return utils.Wrap(err, "create "+p.GPGDir)
	}
	return nil
}

// Paths returns the resolved layout for the configured base directory.
func (c *Config) Paths() Paths {
	return NewPaths(c.Storage.BaseDir)
}
