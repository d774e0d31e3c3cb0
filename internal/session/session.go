package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/openmined/eas/internal/codec"
	"github.com/openmined/eas/internal/config"
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/events"
	"github.com/openmined/eas/internal/folder"
	"github.com/openmined/eas/internal/matcher"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/store"
	"github.com/openmined/eas/internal/synchronizer"
	"github.com/openmined/eas/internal/utils"
	"github.com/spf13/afero"
)

const (
	databasesDir   = "databases"
	logsDir        = "logs"
	lockFile       = ".lockfile"
	masterDataFile = "encrypted_data.json"
	diffsFile      = "eas_diffs.db"
	snapshotFile   = "duplist_copy.db"
)

var (
	ErrLocked       = errors.New("configuration directory locked by another process")
	ErrNoMasterData = errors.New("master data not found, set a master password first")
	ErrMasterLocked = errors.New("master data is locked")
)

// Session owns the configuration directory for one process: its lock,
// the master data and every store opened under it.
type Session struct {
	Config       *config.Config
	Dir          string
	DatabasesDir string
	LogsDir      string

	flock *flock.Flock

	mu        sync.Mutex
	master    *encryption.MasterData
	masterKey []byte

	storages    map[string]storage.Storage
	inventories map[string]*store.Inventory
	duplicates  map[string]*store.DuplicateStore
	folders     map[string]*folder.Folder
	diffs       *store.DiffStore

	// Fs backs local storages. Tests swap it for a MemMapFs.
	Fs afero.Fs
}

func New(cfg *config.Config) (*Session, error) {
	dir, err := utils.ResolvePath(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Dir, err)
	}

	return &Session{
		Config:       cfg,
		Dir:          dir,
		DatabasesDir: filepath.Join(dir, databasesDir),
		LogsDir:      filepath.Join(dir, logsDir),
		flock:        flock.New(filepath.Join(dir, lockFile)),
		storages:     map[string]storage.Storage{},
		inventories:  map[string]*store.Inventory{},
		duplicates:   map[string]*store.DuplicateStore{},
		folders:      map[string]*folder.Folder{},
	}, nil
}

// Open creates the directory layout and takes the lock.
func Open(cfg *config.Config) (*Session, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{s.Dir, s.DatabasesDir, s.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := s.Lock(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Lock() error {
	locked, err := s.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.Dir, err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

func (s *Session) Unlock() error {
	// only the holder removes the lock file
	if !s.flock.Locked() {
		return nil
	}
	if err := s.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", s.Dir, err)
	}
	return os.Remove(s.flock.Path())
}

// Close closes every store and driver and releases the lock.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, inv := range s.inventories {
		errs = append(errs, inv.Close())
	}
	for _, d := range s.duplicates {
		errs = append(errs, d.Close())
	}
	if s.diffs != nil {
		errs = append(errs, s.diffs.Close())
	}
	for _, st := range s.storages {
		errs = append(errs, st.Close())
	}
	s.storages = map[string]storage.Storage{}
	s.inventories = map[string]*store.Inventory{}
	s.duplicates = map[string]*store.DuplicateStore{}
	s.folders = map[string]*folder.Folder{}
	s.diffs = nil

	errs = append(errs, s.Unlock())
	return errors.Join(errs...)
}

func (s *Session) MasterDataPath() string {
	return filepath.Join(s.Dir, masterDataFile)
}

func (s *Session) SnapshotPath() string {
	return filepath.Join(s.DatabasesDir, snapshotFile)
}

// UnlockMaster decrypts the master data with password.
func (s *Session) UnlockMaster(password string) error {
	key := encryption.DeriveMasterKey(password)
	m, err := encryption.LoadMasterData(s.MasterDataPath(), key)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoMasterData
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.master, s.masterKey = m, key
	return nil
}

// SetMasterPassword re-encrypts the master data under a new password. Without
// existing master data a fresh content key is generated; otherwise the
// current password must have been unlocked first.
func (s *Session) SetMasterPassword(password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master == nil {
		if utils.FileExists(s.MasterDataPath()) {
			return ErrMasterLocked
		}
		m, err := encryption.NewMasterData()
		if err != nil {
			return err
		}
		s.master = m
		slog.Info("generated new encryption key")
	}

	key := encryption.DeriveMasterKey(password)
	if err := encryption.SaveMasterData(s.MasterDataPath(), s.master, key); err != nil {
		return err
	}
	s.masterKey = key
	return nil
}

// Key returns the content key of the unlocked master data.
func (s *Session) Key() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.master == nil {
		return nil, ErrMasterLocked
	}
	return s.master.Key, nil
}

// SetKey replaces the content key and persists the master data.
func (s *Session) SetKey(key []byte) error {
	if len(key) != encryption.KeySize {
		return encryption.ErrInvalidKey
	}
	return s.updateMaster(func(m *encryption.MasterData) { m.Key = key })
}

// SetToken stores credentials for a storage type and persists the master data.
func (s *Session) SetToken(storageType, token string) error {
	return s.updateMaster(func(m *encryption.MasterData) { m.SetToken(storageType, token) })
}

func (s *Session) updateMaster(fn func(*encryption.MasterData)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.master == nil {
		return ErrMasterLocked
	}
	fn(s.master)
	return encryption.SaveMasterData(s.MasterDataPath(), s.master, s.masterKey)
}

func (s *Session) token(storageType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master.Token(storageType)
}

// Storage returns the shared driver for a backend type.
func (s *Session) Storage(ctx context.Context, typ string) (storage.Storage, error) {
	s.mu.Lock()
	st, ok := s.storages[typ]
	s.mu.Unlock()
	if ok {
		return st, nil
	}

	cfg, err := s.storageConfig(typ)
	if err != nil {
		return nil, err
	}
	st, err = storage.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", typ, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.storages[typ]; ok {
		return existing, nil
	}
	s.storages[typ] = st
	return st, nil
}

func (s *Session) storageConfig(typ string) (storage.Config, error) {
	c := s.Config
	cfg := storage.Config{Type: typ, Timeout: c.TimeoutDuration(), Fs: s.Fs}

	switch typ {
	case storage.TypeS3:
		sc := c.Storages.S3
		cfg.S3 = storage.S3Config{
			Bucket:        sc.Bucket,
			Region:        sc.Region,
			Endpoint:      sc.Endpoint,
			UseAccelerate: sc.UseAccelerate,
		}
		if sc.Authenticator == config.AuthToken {
			access, secret, ok := strings.Cut(s.token(typ), ":")
			if !ok {
				return cfg, fmt.Errorf("s3 token must be ACCESS:SECRET, use set-key to store it")
			}
			cfg.S3.AccessKey, cfg.S3.SecretKey = access, secret
		}
	case storage.TypeSFTP:
		sc := c.Storages.SFTP
		cfg.SFTP = storage.SFTPConfig{
			Host: sc.Host,
			Port: sc.Port,
			User: sc.User,
		}
		if sc.KnownHosts != "" {
			path, err := utils.ResolvePath(sc.KnownHosts)
			if err != nil {
				return cfg, err
			}
			cfg.SFTP.KnownHosts = path
		}
		switch sc.Authenticator {
		case config.AuthToken:
			cfg.SFTP.Password = s.token(typ)
		default:
			if sc.KeyFile != "" {
				path, err := utils.ResolvePath(sc.KeyFile)
				if err != nil {
					return cfg, err
				}
				cfg.SFTP.KeyFile = path
			}
		}
	}
	return cfg, nil
}

// Inventory opens databases/<folder>-filelist.db.
func (s *Session) Inventory(folderName string) (*store.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.inventories[folderName]; ok {
		return inv, nil
	}
	inv, err := store.OpenInventory(filepath.Join(s.DatabasesDir, folderName+"-filelist.db"))
	if err != nil {
		return nil, err
	}
	s.inventories[folderName] = inv
	return inv, nil
}

// Duplicates opens databases/<storage-type>-duplicates.db.
func (s *Session) Duplicates(storageType string) (*store.DuplicateStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.duplicates[storageType]; ok {
		return d, nil
	}
	d, err := store.OpenDuplicateStore(filepath.Join(s.DatabasesDir, storageType+"-duplicates.db"))
	if err != nil {
		return nil, err
	}
	s.duplicates[storageType] = d
	return d, nil
}

// Diffs opens databases/eas_diffs.db.
func (s *Session) Diffs() (*store.DiffStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.diffs != nil {
		return s.diffs, nil
	}
	d, err := store.OpenDiffStore(filepath.Join(s.DatabasesDir, diffsFile))
	if err != nil {
		return nil, err
	}
	s.diffs = d
	return d, nil
}

// Folder builds the folder declared under name with its inventory, matcher
// and, when encrypted, the content key.
func (s *Session) Folder(ctx context.Context, name string) (*folder.Folder, error) {
	s.mu.Lock()
	f, ok := s.folders[name]
	s.mu.Unlock()
	if ok {
		return f, nil
	}

	fc, err := s.Config.Folder(name)
	if err != nil {
		return nil, err
	}
	st, err := s.Storage(ctx, fc.Type)
	if err != nil {
		return nil, err
	}
	inv, err := s.Inventory(fc.Name)
	if err != nil {
		return nil, err
	}
	m, err := matcher.New(fc.AllowedPaths)
	if err != nil {
		return nil, err
	}
	if fc.IgnoreFile != "" {
		path := fc.IgnoreFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.Dir, path)
		}
		if err := m.LoadIgnoreFile(fc.Root, path); err != nil {
			return nil, fmt.Errorf("folder %s: %w", fc.Name, err)
		}
	}

	opts := folder.Options{
		Name:          fc.Name,
		Storage:       st,
		Root:          fc.Root,
		Encrypted:     fc.Encrypted,
		Inventory:     inv,
		Matcher:       m,
		AvoidRescan:   fc.AvoidRescan,
		NRetries:      s.Config.NRetries,
		RetryInterval: s.Config.RetryIntervalDuration(),
		TempFs:        afero.NewOsFs(),
		TempDir:       s.Config.TempDir,
		BufferLimit:   s.Config.BufferLimit(),
	}
	if fc.Encrypted {
		if opts.Key, err = s.Key(); err != nil {
			return nil, fmt.Errorf("folder %s: %w", fc.Name, err)
		}
		if opts.Codec, err = codec.Get(fc.FilenameEncoding); err != nil {
			return nil, err
		}
	}

	f, err = folder.New(opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.folders[name]; ok {
		return existing, nil
	}
	s.folders[name] = f
	return f, nil
}

// folderDuplicates returns the duplicate store of the backend holding folder name.
func (s *Session) folderDuplicates(name string) (*store.DuplicateStore, error) {
	fc, err := s.Config.Folder(name)
	if err != nil {
		return nil, err
	}
	return s.Duplicates(fc.Type)
}

// Target wires a configured target to its folders and the shared stores.
func (s *Session) Target(ctx context.Context, tc *config.Target, emitter *events.Emitter) (*synchronizer.Target, error) {
	src, err := s.Folder(ctx, tc.Src)
	if err != nil {
		return nil, err
	}
	dst, err := s.Folder(ctx, tc.Dst)
	if err != nil {
		return nil, err
	}
	diffs, err := s.Diffs()
	if err != nil {
		return nil, err
	}
	srcDups, err := s.folderDuplicates(tc.Src)
	if err != nil {
		return nil, err
	}
	dstDups, err := s.folderDuplicates(tc.Dst)
	if err != nil {
		return nil, err
	}

	return synchronizer.NewTarget(synchronizer.TargetConfig{
		Name:          tc.Name,
		Src:           src,
		Dst:           dst,
		Diffs:         diffs,
		Emitter:       emitter,
		Options:       s.Config.Options(tc),
		SrcDuplicates: srcDups,
		DstDuplicates: dstDups,
		SnapshotPath:  s.SnapshotPath(),
	})
}

// Targets builds the configured targets in order. Names filter them when
// given.
func (s *Session) Targets(ctx context.Context, emitter *events.Emitter, names ...string) ([]*synchronizer.Target, error) {
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}

	var out []*synchronizer.Target
	for _, tc := range s.Config.Targets {
		if len(want) > 0 && !want[tc.Name] && !want[tc.Src] {
			continue
		}
		t, err := s.Target(ctx, tc, emitter)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", tc.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}
