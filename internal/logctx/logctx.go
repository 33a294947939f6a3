// Package logctx provides the component-logger idiom used throughout this
// module: each subsystem (migrate, resize, hashtab, ...) holds a named
// logger created once with log.New("component", name) and logs structured
// key/value pairs, mirroring github.com/ledgerwatch/turbo-geth/log (a
// log15-style logger) as used at call sites such as
// ethdb.NewMemDatabase2's log.New("database", "in-memory").
package logctx

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Level mirrors the handful of severities turbo-geth's logger exposes.
type Level int

const (
	LvlCrit Level = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
)

func (l Level) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	default:
		return "???"
	}
}

// Logger is a component logger carrying a fixed set of key/value context,
// appended to on every call. Safe for concurrent use by migration workers.
type Logger struct {
	mu   sync.Mutex
	ctx  []interface{}
	out  *os.File
	lvl  Level
}

// New creates a component logger, e.g. logctx.New("component", "migrate").
func New(ctx ...interface{}) *Logger {
	return &Logger{ctx: ctx, out: os.Stderr, lvl: LvlDebug}
}

// SetLevel suppresses log lines below the given severity (higher enum value
// == more verbose, matching Level's ordering above).
func (l *Logger) SetLevel(lvl Level) {
	l.mu.Lock()
	l.lvl = lvl
	l.mu.Unlock()
}

func (l *Logger) log(lvl Level, msg string, kv ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl > l.lvl {
		return
	}
	all := make([]interface{}, 0, len(l.ctx)+len(kv))
	all = append(all, l.ctx...)
	all = append(all, kv...)
	fmt.Fprintf(l.out, "%s [%s] %s%s\n", time.Now().Format("01-02|15:04:05.000"), lvl, msg, formatPairs(all))
}

func formatPairs(kv []interface{}) string {
	s := ""
	for i := 0; i+1 < len(kv); i += 2 {
		s += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
	}
	return s
}

func (l *Logger) Crit(msg string, kv ...interface{})  { l.log(LvlCrit, msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(LvlError, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(LvlWarn, msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(LvlInfo, msg, kv...) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(LvlDebug, msg, kv...) }

// New returns a child logger with additional fixed context appended,
// matching log.New(existingCtx...).New(moreCtx...) chaining.
func (l *Logger) New(ctx ...interface{}) *Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &Logger{ctx: merged, out: l.out, lvl: l.lvl}
}
