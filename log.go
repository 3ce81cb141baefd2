package zfrag

import "github.com/sirupsen/logrus"

// log is the package-level structured logger. Callers can replace it
// with SetLogger to route zfrag's diagnostics into their own logrus
// configuration (hooks, formatters, output).
var log = logrus.StandardLogger().WithField("component", "zfrag")

// SetLogger replaces the package-level logger.
func SetLogger(l *logrus.Logger) {
	log = l.WithField("component", "zfrag")
}
