package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openmined/eas/internal/config"
	"github.com/openmined/eas/internal/session"
	"github.com/openmined/eas/internal/utils"
)

const logFileName = "eas.log"

// unlockMode says whether a command reads the master data.
type unlockMode int

const (
	unlockNever unlockMode = iota
	// unlockIfNeeded unlocks when the configuration has encrypted folders or
	// token authenticators.
	unlockIfNeeded
	unlockAlways
)

// app is the per-command state: loaded config, locked session and the log
// file.
type app struct {
	cfg  *config.Config
	sess *session.Session

	logFile        *os.File
	logInterceptor *utils.LogInterceptor
	prevLogger     *slog.Logger
}

func openApp(mode unlockMode) (*app, error) {
	cfg, err := config.Load(configDir())
	if err != nil {
		return nil, err
	}
	sess, err := session.Open(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, sess: sess}
	if err := a.setupFileLogging(); err != nil {
		slog.Warn("file logging disabled", "error", err)
	}

	if mode == unlockAlways || (mode == unlockIfNeeded && cfg.NeedsMasterData()) {
		if err := a.unlock(); err != nil {
			a.Close()
			return nil, err
		}
	}
	slog.Debug("session opened", "dir", sess.Dir, "folders", len(cfg.Folders), "targets", len(cfg.Targets))
	return a, nil
}

func (a *app) unlock() error {
	password, ok := os.LookupEnv(masterPasswordEnv)
	if !ok {
		return fmt.Errorf("%s is not set", masterPasswordEnv)
	}
	return a.sess.UnlockMaster(password)
}

// setupFileLogging adds logs/eas.log next to the console handler. The file
// always receives debug records.
func (a *app) setupFileLogging() error {
	path := filepath.Join(a.sess.LogsDir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	a.logFile = file
	a.logInterceptor = utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(a.logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps the time
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return attr
		},
	})

	a.prevLogger = slog.Default()
	if consoleHandler == nil {
		slog.SetDefault(slog.New(fileHandler))
	} else {
		slog.SetDefault(slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler)))
	}
	return nil
}

func (a *app) Close() error {
	errs := []error{a.sess.Close()}
	if a.logFile != nil {
		slog.SetDefault(a.prevLogger)
		errs = append(errs, a.logInterceptor.Close(), a.logFile.Close())
	}
	return errors.Join(errs...)
}

// folderNames returns args, or every configured folder when args is empty.
func (a *app) folderNames(args []string) []string {
	if len(args) > 0 {
		return args
	}
	names := make([]string, 0, len(a.cfg.Folders))
	for _, f := range a.cfg.Folders {
		names = append(names, f.Name)
	}
	return names
}
