package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/openmined/eas/internal/codec"
	"github.com/openmined/eas/internal/matcher"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/synchronizer"
	"github.com/openmined/eas/internal/utils"
	"github.com/openmined/eas/internal/vpath"
	"github.com/spf13/viper"
)

const (
	FileName  = "eas.conf"
	EnvFile   = ".env"
	EnvPrefix = "EAS"
)

// Authenticators accepted in the storages section.
const (
	AuthToken = "token" // credentials from the master data tokens
	AuthAWS   = "aws"   // default AWS credential chain
	AuthKey   = "key"   // SSH private key file
)

var (
	home, _          = os.UserHomeDir()
	DefaultConfigDir = filepath.Join(home, ".eas")
)

var (
	ErrUnknownAuthenticator = errors.New("config: unknown authenticator")
	ErrUnknownFolder        = errors.New("config: unknown folder")
	ErrInvalidConfig        = errors.New("config: invalid configuration")
)

type Config struct {
	Dir string `mapstructure:"-" yaml:"-"`

	NWorkers               int     `mapstructure:"n_workers" yaml:"n_workers"`
	NScanWorkers           int     `mapstructure:"n_scan_workers" yaml:"n_scan_workers"`
	NRetries               int     `mapstructure:"n_retries" yaml:"n_retries"`
	RetryInterval          float64 `mapstructure:"retry_interval" yaml:"retry_interval"`
	Timeout                float64 `mapstructure:"timeout" yaml:"timeout"`
	UploadTimeout          float64 `mapstructure:"upload_timeout" yaml:"upload_timeout"`
	TempEncryptBufferLimit string  `mapstructure:"temp_encrypt_buffer_limit" yaml:"temp_encrypt_buffer_limit"`
	TempDir                string  `mapstructure:"temp_dir" yaml:"temp_dir"`
	UploadLimit            string  `mapstructure:"upload_limit" yaml:"upload_limit"`
	DownloadLimit          string  `mapstructure:"download_limit" yaml:"download_limit"`
	SyncModified           bool    `mapstructure:"sync_modified" yaml:"sync_modified"`
	SyncMode               bool    `mapstructure:"sync_mode" yaml:"sync_mode"`
	SyncOwnership          bool    `mapstructure:"sync_ownership" yaml:"sync_ownership"`
	PreserveModified       bool    `mapstructure:"preserve_modified" yaml:"preserve_modified"`
	IgnoreUnreachable      bool    `mapstructure:"ignore_unreachable" yaml:"ignore_unreachable"`

	Storages Storages  `mapstructure:"storages" yaml:"storages"`
	Folders  []*Folder `mapstructure:"folders" yaml:"folders"`
	Targets  []*Target `mapstructure:"targets" yaml:"targets"`

	bufferLimit   int64
	uploadLimit   int64
	downloadLimit int64
}

type Storages struct {
	S3   S3Storage   `mapstructure:"s3" yaml:"s3"`
	SFTP SFTPStorage `mapstructure:"sftp" yaml:"sftp"`
}

type S3Storage struct {
	Bucket        string `mapstructure:"bucket" yaml:"bucket"`
	Region        string `mapstructure:"region" yaml:"region"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	UseAccelerate bool   `mapstructure:"use_accelerate" yaml:"use_accelerate"`
	Authenticator string `mapstructure:"authenticator" yaml:"authenticator"`
}

type SFTPStorage struct {
	Host          string `mapstructure:"host" yaml:"host"`
	Port          int    `mapstructure:"port" yaml:"port"`
	User          string `mapstructure:"user" yaml:"user"`
	KeyFile       string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	KnownHosts    string `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`
	Authenticator string `mapstructure:"authenticator" yaml:"authenticator"`
}

// Folder is a storage location. URL is "<type>://<path>"; a bare path is local.
type Folder struct {
	Name             string         `mapstructure:"name" yaml:"name"`
	URL              string         `mapstructure:"url" yaml:"url"`
	Encrypted        bool           `mapstructure:"encrypted" yaml:"encrypted"`
	FilenameEncoding string         `mapstructure:"filename_encoding" yaml:"filename_encoding,omitempty"`
	AvoidRescan      bool           `mapstructure:"avoid_rescan" yaml:"avoid_rescan"`
	AllowedPaths     []matcher.Rule `mapstructure:"allowed_paths" yaml:"allowed_paths,omitempty"`
	IgnoreFile       string         `mapstructure:"ignore_file" yaml:"ignore_file,omitempty"`

	// Type and Root are derived from URL by Validate.
	Type string `mapstructure:"-" yaml:"-"`
	Root string `mapstructure:"-" yaml:"-"`
}

// Target names a source and destination folder. Unset fields inherit the
// global knobs.
type Target struct {
	Name               string   `mapstructure:"name" yaml:"name,omitempty"`
	Src                string   `mapstructure:"src" yaml:"src"`
	Dst                string   `mapstructure:"dst" yaml:"dst"`
	EnableScan         *bool    `mapstructure:"enable_scan" yaml:"enable_scan,omitempty"`
	ForceScan          bool     `mapstructure:"force_scan" yaml:"force_scan,omitempty"`
	NoRemove           bool     `mapstructure:"no_remove" yaml:"no_remove,omitempty"`
	SkipIntegrityCheck bool     `mapstructure:"skip_integrity_check" yaml:"skip_integrity_check,omitempty"`
	SyncModified       *bool    `mapstructure:"sync_modified" yaml:"sync_modified,omitempty"`
	SyncMode           *bool    `mapstructure:"sync_mode" yaml:"sync_mode,omitempty"`
	SyncOwnership      *bool    `mapstructure:"sync_ownership" yaml:"sync_ownership,omitempty"`
	PreserveModified   *bool    `mapstructure:"preserve_modified" yaml:"preserve_modified,omitempty"`
	IgnoreUnreachable  *bool    `mapstructure:"ignore_unreachable" yaml:"ignore_unreachable,omitempty"`
	NWorkers           int      `mapstructure:"n_workers" yaml:"n_workers,omitempty"`
	NScanWorkers       int      `mapstructure:"n_scan_workers" yaml:"n_scan_workers,omitempty"`
	NRetries           *int     `mapstructure:"n_retries" yaml:"n_retries,omitempty"`
	RetryInterval      *float64 `mapstructure:"retry_interval" yaml:"retry_interval,omitempty"`
	UploadLimit        string   `mapstructure:"upload_limit" yaml:"upload_limit,omitempty"`
	DownloadLimit      string   `mapstructure:"download_limit" yaml:"download_limit,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("n_workers", 4)
	v.SetDefault("n_scan_workers", 4)
	v.SetDefault("n_retries", 5)
	v.SetDefault("retry_interval", 1.0)
	v.SetDefault("timeout", 30.0)
	v.SetDefault("upload_timeout", 0.0)
	v.SetDefault("temp_encrypt_buffer_limit", "64MiB")
	v.SetDefault("temp_dir", os.TempDir())
	v.SetDefault("upload_limit", "0")
	v.SetDefault("download_limit", "0")
	v.SetDefault("sync_modified", true)
	v.SetDefault("sync_mode", false)
	v.SetDefault("sync_ownership", false)
	v.SetDefault("preserve_modified", true)
	v.SetDefault("ignore_unreachable", false)
	v.SetDefault("storages.s3.authenticator", AuthAWS)
	v.SetDefault("storages.sftp.port", 22)
	v.SetDefault("storages.sftp.authenticator", AuthKey)
}

// Load reads eas.conf from dir. A .env file next to it is loaded into the
// environment first, and EAS_* variables override file values.
func Load(dir string) (*Config, error) {
	dir, err := utils.ResolvePath(dir)
	if err != nil {
		return nil, err
	}

	if err := godotenv.Load(filepath.Join(dir, EnvFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", EnvFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(filepath.Join(dir, FileName))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalises derived fields and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.NWorkers < 0 || c.NScanWorkers < 0 || c.NRetries < 0 {
		return fmt.Errorf("%w: worker and retry counts must not be negative", ErrInvalidConfig)
	}
	if c.NWorkers == 0 {
		c.NWorkers = 1
	}
	if c.NScanWorkers == 0 {
		c.NScanWorkers = 1
	}
	if c.RetryInterval < 0 || c.Timeout < 0 || c.UploadTimeout < 0 {
		return fmt.Errorf("%w: intervals must not be negative", ErrInvalidConfig)
	}

	var err error
	if c.bufferLimit, err = parseSize("temp_encrypt_buffer_limit", c.TempEncryptBufferLimit); err != nil {
		return err
	}
	if c.uploadLimit, err = parseSize("upload_limit", c.UploadLimit); err != nil {
		return err
	}
	if c.downloadLimit, err = parseSize("download_limit", c.DownloadLimit); err != nil {
		return err
	}

	switch c.Storages.S3.Authenticator {
	case "", AuthAWS, AuthToken:
	default:
		return fmt.Errorf("%w: s3 %q", ErrUnknownAuthenticator, c.Storages.S3.Authenticator)
	}
	switch c.Storages.SFTP.Authenticator {
	case "", AuthKey, AuthToken:
	default:
		return fmt.Errorf("%w: sftp %q", ErrUnknownAuthenticator, c.Storages.SFTP.Authenticator)
	}

	names := make(map[string]*Folder, len(c.Folders))
	for i, f := range c.Folders {
		if f == nil || f.Name == "" {
			return fmt.Errorf("%w: folder %d has no name", ErrInvalidConfig, i)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("%w: folder %q declared twice", ErrInvalidConfig, f.Name)
		}
		if f.URL == "" {
			return fmt.Errorf("%w: folder %q has no url", ErrInvalidConfig, f.Name)
		}
		url := f.URL
		if !strings.Contains(url, "://") {
			if url, err = utils.ResolvePath(url); err != nil {
				return fmt.Errorf("folder %q: %w", f.Name, err)
			}
		}
		if f.Type, f.Root, err = storage.ParseURL(url); err != nil {
			return fmt.Errorf("folder %q: %w", f.Name, err)
		}
		if f.FilenameEncoding == "" {
			f.FilenameEncoding = codec.Base64
		}
		if _, err := codec.Get(f.FilenameEncoding); err != nil {
			return fmt.Errorf("folder %q: %w", f.Name, err)
		}
		if _, err := matcher.New(f.AllowedPaths); err != nil {
			return fmt.Errorf("folder %q: %w", f.Name, err)
		}
		names[f.Name] = f
	}

	for i, t := range c.Targets {
		if t == nil {
			return fmt.Errorf("%w: target %d is empty", ErrInvalidConfig, i)
		}
		src, ok := names[t.Src]
		if !ok {
			return fmt.Errorf("%w: target %d source %q", ErrUnknownFolder, i, t.Src)
		}
		dst, ok := names[t.Dst]
		if !ok {
			return fmt.Errorf("%w: target %d destination %q", ErrUnknownFolder, i, t.Dst)
		}
		if src.Encrypted && dst.Encrypted {
			return fmt.Errorf("%w: target %s -> %s encrypts twice", ErrInvalidConfig, t.Src, t.Dst)
		}
		if src.Type == dst.Type && vpath.IsEqual(src.Root, dst.Root) {
			return fmt.Errorf("%w: target %s -> %s syncs a folder onto itself", ErrInvalidConfig, t.Src, t.Dst)
		}
		if t.NWorkers < 0 || t.NScanWorkers < 0 {
			return fmt.Errorf("%w: target %d worker counts must not be negative", ErrInvalidConfig, i)
		}
		if _, err := parseSize("upload_limit", t.UploadLimit); err != nil {
			return err
		}
		if _, err := parseSize("download_limit", t.DownloadLimit); err != nil {
			return err
		}
		if t.Name == "" {
			t.Name = t.Src + " -> " + t.Dst
		}
	}
	return nil
}

// Folder returns the folder declared under name.
func (c *Config) Folder(name string) (*Folder, error) {
	for _, f := range c.Folders {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFolder, name)
}

// BufferLimit is the spool size in bytes above which encrypted uploads
// spill to a temp file.
func (c *Config) BufferLimit() int64 { return c.bufferLimit }

func (c *Config) TimeoutDuration() time.Duration { return seconds(c.Timeout) }

func (c *Config) RetryIntervalDuration() time.Duration { return seconds(c.RetryInterval) }

// DownloadLimitBytes is the global download rate in bytes per second, 0 for none.
func (c *Config) DownloadLimitBytes() int64 { return c.downloadLimit }

// NeedsMasterData reports whether any folder or storage reads the master data.
func (c *Config) NeedsMasterData() bool {
	if c.Storages.S3.Authenticator == AuthToken || c.Storages.SFTP.Authenticator == AuthToken {
		return true
	}
	for _, f := range c.Folders {
		if f.Encrypted {
			return true
		}
	}
	return false
}

// Options resolves the run flags of t against the global knobs.
func (c *Config) Options(t *Target) synchronizer.Options {
	opts := synchronizer.Options{
		EnableScan:         true,
		ForceScan:          t.ForceScan,
		NoRemove:           t.NoRemove,
		SkipIntegrityCheck: t.SkipIntegrityCheck,
		SyncModified:       pick(t.SyncModified, c.SyncModified),
		SyncMode:           pick(t.SyncMode, c.SyncMode),
		SyncOwnership:      pick(t.SyncOwnership, c.SyncOwnership),
		PreserveModified:   pick(t.PreserveModified, c.PreserveModified),
		IgnoreUnreachable:  pick(t.IgnoreUnreachable, c.IgnoreUnreachable),
		NWorkers:           c.NWorkers,
		NScanWorkers:       c.NScanWorkers,
		NRetries:           pick(t.NRetries, c.NRetries),
		RetryInterval:      seconds(pick(t.RetryInterval, c.RetryInterval)),
		UploadLimit:        c.uploadLimit,
		DownloadLimit:      c.downloadLimit,
	}
	if t.EnableScan != nil {
		opts.EnableScan = *t.EnableScan
	}
	if t.NWorkers > 0 {
		opts.NWorkers = t.NWorkers
	}
	if t.NScanWorkers > 0 {
		opts.NScanWorkers = t.NScanWorkers
	}
	// validated in Validate
	if n, _ := parseSize("upload_limit", t.UploadLimit); n > 0 {
		opts.UploadLimit = n
	}
	if n, _ := parseSize("download_limit", t.DownloadLimit); n > 0 {
		opts.DownloadLimit = n
	}
	return opts
}

func pick[T any](override *T, def T) T {
	if override != nil {
		return *override
	}
	return def
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// parseSize accepts humanized sizes such as "64MiB" or "1.5 MB". Empty means 0.
func parseSize(key, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, key, s, err)
	}
	return int64(n), nil
}
