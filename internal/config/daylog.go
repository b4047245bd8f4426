package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DayLogPaths returns the info and error log files for one import day under
// dir/imports/YYYY-MM/.
func DayLogPaths(dir string, date time.Time) (info, errs string) {
	base := filepath.Join(dir, "imports", date.Format("2006-01"))
	day := date.Format("02")
	return filepath.Join(base, day+"_info.txt"), filepath.Join(base, day+"_error.txt")
}

// DayLogger tees base into the day's info (info and above) and error (warn
// and above) files. The returned func syncs and closes both files.
func DayLogger(base *zap.Logger, dir string, date time.Time) (*zap.Logger, func(), error) {
	infoPath, errPath := DayLogPaths(dir, date)
	if err := os.MkdirAll(filepath.Dir(infoPath), 0o755); err != nil {
		return nil, nil, eris.Wrap(err, "config: create import log dir")
	}

	infoFile, err := os.OpenFile(infoPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, eris.Wrap(err, "config: open info log")
	}
	errFile, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = infoFile.Close()
		return nil, nil, eris.Wrap(err, "config: open error log")
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	core := zapcore.NewTee(
		base.Core(),
		zapcore.NewCore(enc, zapcore.AddSync(infoFile), zapcore.InfoLevel),
		zapcore.NewCore(enc.Clone(), zapcore.AddSync(errFile), zapcore.WarnLevel),
	)
	logger := zap.New(core)

	closer := func() {
		_ = logger.Sync()
		_ = infoFile.Close()
		_ = errFile.Close()
	}
	return logger, closer, nil
}
