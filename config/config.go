// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config reads vbk's TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/mmp/vbk/archive"
	"github.com/mmp/vbk/pack"
	"github.com/mmp/vbk/rdso"
	"github.com/mmp/vbk/scan"
	"github.com/mmp/vbk/storage"
	u "github.com/mmp/vbk/util"
)

// FileName is the name of the configuration file in $VBK_DIR.
const FileName = "vbk.toml"

var ErrNoConfig = errors.New("no configuration file; set VBK_DIR or use --config")

// Size is a byte count that may be written in the configuration file
// either as an integer or as a string like "4.7GB". Suffixes are binary
// multiples.
type Size int64

func (s *Size) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(u.FmtBytes(int64(s))), nil
}

type Mount struct {
	Path    string   `toml:"path"`
	Source  string   `toml:"source"`
	Exclude []string `toml:"exclude"`
}

type Volume struct {
	Capacity         Size `toml:"capacity"`
	MinSlack         Size `toml:"min_slack"` // 1MiB if not given; must be positive
	MaxContainerSize Size `toml:"max_container_size"`
	Compress         bool `toml:"compress"`
	Encrypt          bool `toml:"encrypt"`
	// Zero disables parity sidecars.
	ParityShards int `toml:"parity_shards"`
}

type GCS struct {
	ProjectId                 string `toml:"project"`
	Location                  string `toml:"location"`
	MaxUploadBytesPerSecond   Size   `toml:"max_upload_bytes_per_second"`
	MaxDownloadBytesPerSecond Size   `toml:"max_download_bytes_per_second"`
}

type Config struct {
	// Catalog file path; relative paths are relative to the directory
	// that holds the configuration file.
	Catalog string `toml:"catalog"`
	// A local directory or gs://bucket.
	Destination string  `toml:"destination"`
	Mounts      []Mount `toml:"mount"`
	Volume      Volume  `toml:"volume"`
	GCS         GCS     `toml:"gcs"`

	// Directory of the configuration file.
	dir string
}

func defaults() Config {
	return Config{
		Catalog: "catalog.txt",
		Volume: Volume{
			MinSlack:         Size(pack.DefaultMinSlack),
			MaxContainerSize: Size(pack.DefaultMaxContainerSize),
		},
	}
}

// DefaultPath returns the path to the configuration file in $VBK_DIR.
func DefaultPath() (string, error) {
	dir := os.Getenv("VBK_DIR")
	if dir == "" {
		return "", ErrNoConfig
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads the configuration file at the given path; if path is empty,
// the file in $VBK_DIR is used.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	c := defaults()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		var keys []string
		for _, k := range undec {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if c.dir, err = filepath.Abs(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Destination == "" {
		return errors.New("no destination given")
	}
	if len(c.Mounts) == 0 {
		return errors.New("no mounts given")
	}
	if c.Volume.Capacity <= 0 {
		return fmt.Errorf("%d: volume capacity must be positive", c.Volume.Capacity)
	}
	if c.Volume.MinSlack <= 0 || c.Volume.MaxContainerSize <= 0 {
		return errors.New("min_slack and max_container_size must be positive")
	}
	if c.Volume.ParityShards < 0 {
		return fmt.Errorf("%d: invalid number of parity shards", c.Volume.ParityShards)
	}
	return nil
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// CatalogPath returns the absolute path to the catalog.
func (c *Config) CatalogPath() string {
	return c.resolve(c.Catalog)
}

// ScanMounts returns the mounts to be scanned, with relative source
// directories resolved.
func (c *Config) ScanMounts() []scan.Mount {
	var m []scan.Mount
	for _, mt := range c.Mounts {
		m = append(m, scan.Mount{Path: mt.Path, Source: c.resolve(mt.Source),
			Exclude: mt.Exclude})
	}
	return m
}

// StorageOptions returns the options for opening the destination.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		ParityShards: c.Volume.ParityShards,
		GCS: storage.GCSOptions{
			ProjectId:                 c.GCS.ProjectId,
			Location:                  c.GCS.Location,
			MaxUploadBytesPerSecond:   int(c.GCS.MaxUploadBytesPerSecond),
			MaxDownloadBytesPerSecond: int(c.GCS.MaxDownloadBytesPerSecond),
		},
	}
}

// DestinationPath returns the destination with a relative directory
// resolved; gs:// destinations are returned as is.
func (c *Config) DestinationPath() string {
	if strings.HasPrefix(c.Destination, "gs://") {
		return c.Destination
	}
	return c.resolve(c.Destination)
}

// PackOptions returns the packer options; key is the archive encryption
// key, which is only used if encryption is enabled.
func (c *Config) PackOptions(key []byte) pack.Options {
	capacity := int64(c.Volume.Capacity)
	if n := c.Volume.ParityShards; n > 0 && !strings.HasPrefix(c.Destination, "gs://") {
		// Leave room for the parity sidecars.
		d := int64(rdso.DefaultDataShards)
		capacity = capacity * d / (d + int64(n))
	}
	opts := pack.Options{
		Capacity:         capacity,
		MinSlack:         int64(c.Volume.MinSlack),
		MaxContainerSize: int64(c.Volume.MaxContainerSize),
		Archive:          archive.Options{Compress: c.Volume.Compress},
	}
	if c.Volume.Encrypt {
		opts.Archive.Key = key
	}
	return opts
}
