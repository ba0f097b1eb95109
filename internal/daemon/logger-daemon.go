package daemon

import (
	"github.com/dz-tools/cxproxy/internal/common"
	"github.com/dz-tools/cxproxy/internal/compiletask"
)

// anywhere in the daemon code, use logDaemon.Info() and other methods for
// logging; silent until MakeLoggerDaemon installs the configured one
var logDaemon = common.NewSilentLogger()

func MakeLoggerDaemon(logFile string, verbosity int64) error {
	var err error
	logDaemon, err = common.MakeLogger(logFile, verbosity, false, false)
	if err != nil {
		return err
	}
	compiletask.SetLogger(logDaemon)
	return nil
}
