package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openmined/eas/internal/vpath"
	"github.com/spf13/afero"
)

const (
	TypeLocal = "local"
	TypeS3    = "s3"
	TypeSFTP  = "sftp"
)

// aliases maps alternative URL schemes onto a registered backend.
var aliases = map[string]string{
	"disk": TypeS3,
}

// Config is everything a factory may need to build a driver. Only the
// section matching Type is read.
type Config struct {
	Type    string
	Timeout time.Duration

	// Fs overrides the filesystem of the local driver.
	Fs afero.Fs

	S3   S3Config
	SFTP SFTPConfig
}

// Factory builds a driver from cfg.
type Factory func(ctx context.Context, cfg Config) (Storage, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		TypeLocal: func(_ context.Context, cfg Config) (Storage, error) {
			return NewLocal(cfg.Fs), nil
		},
		TypeS3: func(ctx context.Context, cfg Config) (Storage, error) {
			s3cfg := cfg.S3
			if s3cfg.Timeout == 0 {
				s3cfg.Timeout = cfg.Timeout
			}
			return NewS3(ctx, s3cfg)
		},
		TypeSFTP: func(ctx context.Context, cfg Config) (Storage, error) {
			sftpCfg := cfg.SFTP
			if sftpCfg.Timeout == 0 {
				sftpCfg.Timeout = cfg.Timeout
			}
			return NewSFTP(ctx, sftpCfg)
		},
	}
)

// Register adds or replaces the factory for name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Canonical resolves aliases and reports whether name is a known backend.
func Canonical(name string) (string, bool) {
	name = strings.ToLower(name)
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return name, ok
}

// Types lists registered backends.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds the driver named by cfg.Type.
func New(ctx context.Context, cfg Config) (Storage, error) {
	name, ok := Canonical(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStorage, cfg.Type)
	}
	registryMu.RLock()
	f := registry[name]
	registryMu.RUnlock()

	cfg.Type = name
	return f(ctx, cfg)
}

// ParseURL splits "<type>://<path>" into a canonical backend name and a
// virtual path. Without a scheme the path is a local host path.
func ParseURL(url string) (string, string, error) {
	scheme, rest, found := strings.Cut(url, "://")
	if !found {
		abs, err := filepath.Abs(url)
		if err != nil {
			return "", "", err
		}
		return TypeLocal, localPath(vpath.FromSys(abs)), nil
	}

	name, ok := Canonical(scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownStorage, scheme)
	}
	if name == TypeLocal {
		return name, localPath(vpath.FromSys(rest)), nil
	}
	return name, vpath.JoinProperly(vpath.Sep, rest), nil
}

// localPath cleans p but keeps the leading "//" of UNC shares.
func localPath(p string) string {
	if strings.HasPrefix(p, "//") {
		return "/" + vpath.JoinProperly(vpath.Sep, p)
	}
	return vpath.JoinProperly(vpath.Sep, p)
}
