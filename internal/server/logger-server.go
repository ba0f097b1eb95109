package server

import "github.com/dz-tools/cxproxy/internal/common"

// anywhere in the server code, use logServer.Info() and other methods for
// logging; silent until MakeLoggerServer installs the configured one
var logServer = common.NewSilentLogger()

func MakeLoggerServer(logFile string, verbosity int64) error {
	var err error
	logServer, err = common.MakeLogger(logFile, verbosity, false, false)
	return err
}
