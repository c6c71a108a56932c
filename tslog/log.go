// Package tslog is a thin façade over the structured logger so the rest of
// the module depends on one narrow interface instead of the logging
// library directly.
package tslog

import (
	"os"

	"github.com/ethereum/go-ethereum/log"
)

// Logger is the structured logger the socket package logs through; the
// other packages of the module do not log. It is satisfied by
// *github.com/ethereum/go-ethereum/log.Logger.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	New(ctx ...interface{}) log.Logger
}

// New returns a root logger tagged with the given context, writing to
// stderr at Info level by default — the same default the teacher's command
// line tools install before a user supplies their own handler.
func New(ctx ...interface{}) Logger {
	l := log.New(ctx...)
	l.SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StreamHandler(os.Stderr, log.TerminalFormat(false))))
	return l
}

// Discard returns a logger that drops everything, for tests that don't want
// protocol noise on stderr.
func Discard() Logger {
	l := log.New()
	l.SetHandler(log.DiscardHandler())
	return l
}
