package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/eas/internal/vpath"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSFTPPort = 22

// SFTPConfig selects an SSH server and how to authenticate against it.
type SFTPConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	KeyFile    string
	KnownHosts string
	Timeout    time.Duration
}

// SFTP is a remote POSIX tree reached over SSH.
type SFTP struct {
	conn   *ssh.Client
	client *sftp.Client
	addr   string
}

// NewSFTP dials the server in cfg. Host keys are verified against
// cfg.KnownHosts when set.
func NewSFTP(ctx context.Context, cfg SFTPConfig) (*SFTP, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: sftp host is required", ErrUnknownStorage)
	}
	port := cfg.Port
	if port == 0 {
		port = defaultSFTPPort
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	auth, err := sftpAuth(cfg)
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		if hostKey, err = knownhosts.New(cfg.KnownHosts); err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	} else {
		slog.Warn("sftp host key is not verified", "addr", addr)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, sftpErr("connect", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, sshCfg)
	if err != nil {
		raw.Close()
		return nil, sftpErr("connect", addr, err)
	}
	conn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, sftpErr("connect", addr, err)
	}

	slog.Debug("sftp connected", "addr", addr, "user", cfg.User)
	return &SFTP{conn: conn, client: client, addr: addr}, nil
}

func sftpAuth(cfg SFTPConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("sftp: no key file or password configured")
	}
	return methods, nil
}

func (s *SFTP) Name() string { return "sftp" }

func (s *SFTP) Capabilities() Capabilities {
	return Capabilities{
		Type:           KindRemote,
		CaseSensitive:  true,
		Parallelizable: true,
		SetModified:    true,
		Chmod:          true,
		Chown:          true,
		Symlinks:       true,
		PersistentMode: true,
		TimePrecision:  time.Second,
	}
}

func (s *SFTP) Close() error {
	err := s.client.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *SFTP) GetMeta(_ context.Context, p string) (*Meta, error) {
	remote := remotePath(p)
	fi, err := s.client.Lstat(remote)
	if err != nil {
		return nil, sftpErr("stat", p, err)
	}
	return s.meta(remote, fi)
}

func (s *SFTP) ListDir(ctx context.Context, p string) ([]*Meta, error) {
	remote := remotePath(p)
	infos, err := s.client.ReadDir(remote)
	if err != nil {
		if fi, serr := s.client.Lstat(remote); serr == nil && !fi.IsDir() {
			return nil, wrap("listdir", p, ErrNotDir, err)
		}
		return nil, sftpErr("listdir", p, err)
	}

	out := make([]*Meta, 0, len(infos))
	for _, fi := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := s.meta(path.Join(remote, fi.Name()), fi)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SFTP) Mkdir(_ context.Context, p string) error {
	remote := remotePath(p)
	if _, err := s.client.Lstat(remote); err == nil {
		return wrap("mkdir", p, ErrExists, nil)
	}
	if err := s.client.Mkdir(remote); err != nil {
		return sftpErr("mkdir", p, err)
	}
	return nil
}

func (s *SFTP) Remove(ctx context.Context, p string) error {
	remote := remotePath(p)
	fi, err := s.client.Lstat(remote)
	if err != nil {
		return sftpErr("remove", p, err)
	}
	if !fi.IsDir() {
		if err := s.client.Remove(remote); err != nil {
			return sftpErr("remove", p, err)
		}
		return nil
	}

	var files, dirs []string
	walker := s.client.Walk(remote)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := walker.Err(); err != nil {
			return sftpErr("remove", p, err)
		}
		if walker.Stat().IsDir() {
			dirs = append(dirs, walker.Path())
		} else {
			files = append(files, walker.Path())
		}
	}
	for _, f := range files {
		if err := s.client.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return sftpErr("remove", p, err)
		}
	}
	// walk order is parent first, so remove in reverse
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := s.client.RemoveDirectory(dirs[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return sftpErr("remove", p, err)
		}
	}
	return nil
}

// Upload writes to a temporary name in the destination directory and
// renames it over the destination once complete.
func (s *SFTP) Upload(ctx context.Context, r io.Reader, p string, size int64) (err error) {
	remote := remotePath(p)
	if fi, serr := s.client.Lstat(remote); serr == nil && fi.IsDir() {
		return wrap("upload", p, ErrIsDir, nil)
	}

	tmp := path.Join(path.Dir(remote), ".eas-upload-"+uuid.NewString())
	f, err := s.client.Create(tmp)
	if err != nil {
		return sftpErr("upload", p, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = s.client.Remove(tmp)
		}
	}()

	n, err := io.Copy(f, r)
	if err != nil {
		return sftpErr("upload", p, err)
	}
	if size >= 0 && n != size {
		return &PathError{Op: "upload", Path: p, Err: fmt.Errorf("wrote %d bytes, expected %d", n, size)}
	}
	if err = f.Close(); err != nil {
		return sftpErr("upload", p, err)
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	if err = s.client.PosixRename(tmp, remote); err != nil {
		// servers without the posix-rename extension refuse to overwrite
		_ = s.client.Remove(remote)
		if err = s.client.Rename(tmp, remote); err != nil {
			return sftpErr("upload", p, err)
		}
	}
	return nil
}

func (s *SFTP) Download(_ context.Context, p string, w io.Writer) error {
	f, err := s.client.Open(remotePath(p))
	if err != nil {
		return sftpErr("download", p, err)
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return sftpErr("download", p, err)
	}
	return nil
}

func (s *SFTP) IsFile(ctx context.Context, p string) (bool, error) {
	return statIs(ctx, s, p, (*Meta).IsFile)
}

func (s *SFTP) IsDir(ctx context.Context, p string) (bool, error) {
	return statIs(ctx, s, p, (*Meta).IsDir)
}

func (s *SFTP) Exists(ctx context.Context, p string) (bool, error) {
	return statIs(ctx, s, p, isAny)
}

func (s *SFTP) SetModified(_ context.Context, p string, modified time.Time) error {
	if err := s.client.Chtimes(remotePath(p), modified, modified); err != nil {
		return sftpErr("set_modified", p, err)
	}
	return nil
}

func (s *SFTP) Chmod(_ context.Context, p string, mode uint32) error {
	if err := s.client.Chmod(remotePath(p), fs.FileMode(mode)&fs.ModePerm); err != nil {
		return sftpErr("chmod", p, err)
	}
	return nil
}

func (s *SFTP) Chown(_ context.Context, p string, owner, group int) error {
	if err := s.client.Chown(remotePath(p), owner, group); err != nil {
		return sftpErr("chown", p, err)
	}
	return nil
}

func (s *SFTP) CreateSymlink(_ context.Context, p, target string) error {
	if err := s.client.Symlink(target, remotePath(p)); err != nil {
		return sftpErr("symlink", p, err)
	}
	return nil
}

func (s *SFTP) meta(remote string, fi os.FileInfo) (*Meta, error) {
	mode := uint32(fi.Mode().Perm())
	m := &Meta{
		Name:     fi.Name(),
		Type:     TypeFile,
		Modified: fi.ModTime().UTC(),
		Size:     fi.Size(),
		Mode:     &mode,
	}
	if fi.IsDir() {
		m.Type = TypeDir
		m.Size = 0
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		uid, gid := int(st.UID), int(st.GID)
		m.Owner, m.Group = &uid, &gid
	}
	if fi.Mode()&fs.ModeSymlink != 0 {
		target, err := s.client.ReadLink(remote)
		if err != nil {
			return nil, sftpErr("readlink", remote, err)
		}
		m.Link = &target
		m.Size = 0
	}
	return m, nil
}

func remotePath(p string) string {
	if r := vpath.DirDenormalize(p); r != "" {
		return r
	}
	return vpath.Sep
}

func sftpErr(op, p string, err error) error {
	if IsInterrupted(err) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return wrap(op, p, ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return wrap(op, p, ErrPermission, err)
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, sftp.ErrSSHFxNoConnection):
		return wrap(op, p, ErrTemporary, err)
	case IsRetryable(err):
		return wrap(op, p, ErrTemporary, err)
	}
	return &PathError{Op: op, Path: p, Err: err}
}
