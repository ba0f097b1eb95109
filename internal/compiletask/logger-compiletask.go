package compiletask

import "github.com/dz-tools/cxproxy/internal/common"

// anywhere in this package, use logCompiletask.Info()/Error() for logging;
// callers that haven't set one up yet (e.g. unit tests constructing a Task
// directly) get a silent no-op logger rather than a nil-pointer panic.
var logCompiletask = common.NewSilentLogger()

// SetLogger lets the owning daemon route this package's logs through its own
// configured *common.LoggerWrapper, the same explicit-injection style
// internal/daemon and internal/server use for their own package-level loggers.
func SetLogger(l *common.LoggerWrapper) {
	if l != nil {
		logCompiletask = l
	}
}
