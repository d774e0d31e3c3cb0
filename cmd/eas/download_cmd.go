package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/folder"
	"github.com/openmined/eas/internal/ratelimit"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/utils"
	"github.com/openmined/eas/internal/vpath"
	"github.com/spf13/cobra"
)

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <folder> <path> <destination>",
		Short: "Copy a file or directory out of a folder as plaintext",
		Long: `Copy a file or directory out of a folder, decrypting it when the folder is
encrypted. path is relative to the folder root. Paths inside encrypted
folders need a prior scan so their IVs are known.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := openApp(unlockIfNeeded)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			f, err := a.sess.Folder(ctx, args[0])
			if err != nil {
				return err
			}
			dest, err := utils.ResolvePath(args[2])
			if err != nil {
				return err
			}

			path := vpath.JoinProperly(f.Root(), strings.TrimLeft(args[1], "/"))
			if !vpath.Contains(f.Root(), path) {
				return fmt.Errorf("%s is outside folder %s", args[1], f.Name())
			}
			ivs, err := f.IVs(path)
			if err != nil {
				return fmt.Errorf("%w (run scan %s first)", err, f.Name())
			}

			d := &downloader{folder: f}
			if limit := a.cfg.DownloadLimitBytes(); limit > 0 {
				d.limiter = ratelimit.NewSpeedLimiter(limit)
			}
			if err := d.get(ctx, path, ivs, dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s files, %s\n", green.Render("downloaded"),
				humanize.Comma(d.files), humanize.IBytes(uint64(d.bytes)))
			return nil
		},
	}
}

type downloader struct {
	folder  *folder.Folder
	limiter *ratelimit.SpeedLimiter
	files   int64
	bytes   int64
}

func (d *downloader) get(ctx context.Context, path string, ivs encryption.IVChain, dest string) error {
	meta, err := d.folder.GetMeta(ctx, path, ivs)
	if err != nil {
		return err
	}

	switch {
	case meta.IsDir():
		return d.getDir(ctx, path, ivs, dest)
	case meta.IsFile():
		return d.getFile(ctx, path, ivs, dest)
	}
	slog.Warn("skipping non-regular node", "path", path)
	return nil
}

func (d *downloader) getDir(ctx context.Context, path string, ivs encryption.IVChain, dest string) error {
	if err := utils.EnsureDir(dest); err != nil {
		return err
	}
	entries, err := d.folder.ListDir(ctx, path, ivs)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := vpath.Join(vpath.DirNormalize(path), e.Name)
		childIVs := ivs
		if d.folder.Encrypted() {
			childIVs = ivs.Append(e.IV)
		}
		if err := d.get(ctx, child, childIVs, filepath.Join(dest, e.Name)); err != nil {
			if storage.IsNotFound(err) {
				slog.Warn("vanished during download", "path", child)
				continue
			}
			return err
		}
	}
	return nil
}

func (d *downloader) getFile(ctx context.Context, path string, ivs encryption.IVChain, dest string) error {
	file, err := d.folder.GetFile(ctx, path, ivs, d.limiter)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := utils.EnsureParent(dest); err != nil {
		return err
	}
	out, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp.*")
	if err != nil {
		return err
	}
	defer os.Remove(out.Name())

	n, err := io.Copy(out, file)
	if err != nil {
		out.Close()
		return fmt.Errorf("download %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		out.Close()
		return fmt.Errorf("download %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(out.Name(), dest); err != nil {
		return err
	}

	slog.Debug("downloaded", "path", path, "dest", dest, "size", humanize.IBytes(uint64(n)))
	d.files++
	d.bytes += n
	return nil
}
