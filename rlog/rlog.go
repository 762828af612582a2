// Package rlog implements the engine's structured logger: a small leveled
// logger with key/value context fields and call-site capture, in the shape
// the block-store and cache layers expect (log.New(...).Warn(msg, "k", v)).
package rlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
)

// Level is a logging severity.
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
		return "ERRO"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DBUG"
	default:
		return "????"
	}
}

// Logger is embedded by every subsystem object that needs ambient
// diagnostics. Ctx holds key/value pairs that are attached to every record
// emitted through this logger, the same way freezerTable embeds
// log.New("database", path, "table", name).
type Logger struct {
	ctx []interface{}
}

var (
	mu     sync.Mutex
	out    io.Writer = os.Stderr
	minLvl           = LvlInfo
)

// SetOutput redirects all log records written through this package.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetLevel sets the minimum level emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLvl = l
}

// New creates a Logger carrying the given key/value context.
func New(ctx ...interface{}) Logger {
	return Logger{ctx: ctx}
}

// New returns a child logger with extra context appended.
func (l Logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return Logger{ctx: merged}
}

func (l Logger) write(lvl Level, msg string, fields []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl > minLvl {
		return
	}
	call := stack.Caller(2)
	fmt.Fprintf(out, "%s[%s] %s %s", time.Now().Format("2006-01-02T15:04:05.000"), lvl, msg, fmtFields(append(append([]interface{}{}, l.ctx...), fields...)))
	fmt.Fprintf(out, " caller=%+v\n", call)
}

func fmtFields(kv []interface{}) string {
	s := ""
	for i := 0; i+1 < len(kv); i += 2 {
		s += fmt.Sprintf("%v=%v ", kv[i], kv[i+1])
	}
	return s
}

func (l Logger) Crit(msg string, ctx ...interface{}) {
	l.write(LvlCrit, msg, ctx)
	os.Exit(1)
}

func (l Logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l Logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l Logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l Logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }

// Fatalf reports an unrecoverable storage-invariant violation and aborts the
// process with a diagnostic. Used for the "Fatal storage errors" class in
// the error taxonomy: I/O failures on commit-critical writes, checksum
// mismatch on recovery, corruption of in-core invariants.
func Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	New().Crit(msg)
}
