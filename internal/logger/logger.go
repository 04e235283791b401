// Package logger provides a small leveled-logging facade used throughout dcshare.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface every session, manager, and engine holds.
// Each obtains its own from New at construction time; all of them write
// through the one package-level logrus logger.
type Logger interface {
	Debug(args ...interface{})
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
}

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the verbosity of every logger returned by New.
func SetLevel(debug bool) {
	if debug {
		std.SetLevel(logrus.DebugLevel)
		return
	}
	std.SetLevel(logrus.InfoLevel)
}

type entry struct {
	*logrus.Entry
}

// New returns a Logger tagged with name, e.g. "hub", "peer <- 1.2.3.4:1234".
func New(name string) Logger {
	return entry{std.WithField("component", name)}
}

func (e entry) Debug(args ...interface{})                 { e.Entry.Debug(args...) }
func (e entry) Debugln(args ...interface{})                { e.Entry.Debugln(args...) }
func (e entry) Debugf(format string, args ...interface{})  { e.Entry.Debugf(format, args...) }
func (e entry) Info(args ...interface{})                   { e.Entry.Info(args...) }
func (e entry) Infoln(args ...interface{})                 { e.Entry.Infoln(args...) }
func (e entry) Infof(format string, args ...interface{})   { e.Entry.Infof(format, args...) }
func (e entry) Warningln(args ...interface{})               { e.Entry.Warnln(args...) }
func (e entry) Warningf(format string, args ...interface{}) { e.Entry.Warnf(format, args...) }
func (e entry) Error(args ...interface{})                   { e.Entry.Error(args...) }
func (e entry) Errorln(args ...interface{})                 { e.Entry.Errorln(args...) }
func (e entry) Errorf(format string, args ...interface{})   { e.Entry.Errorf(format, args...) }
