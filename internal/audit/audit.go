// Package audit implements the session-level audit sink (protocol §9's
// audit_sink option and §4.6's host/user/timestamp/counter requirements):
// every phase transition of a coordinator session, and every mutative
// decision a node makes, is recorded with enough context to reconstruct
// who did what and when without replaying the change log itself.
package audit

import (
	"context"
	"fmt"
	"log/syslog"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/observability/logger"
)

// Sink is the selected audit_sink target (protocol §9: stdout|file|syslog).
type Sink string

const (
	SinkStdout Sink = "stdout"
	SinkFile   Sink = "file"
	SinkSyslog Sink = "syslog"
)

// Event is one audited fact: a mutative request's outcome, or a coordinator
// phase transition.
type Event struct {
	Timestamp  time.Time
	Component  string // "node" or "coordinator"
	NodeID     string
	Op         string // discover/prepare/commit/rollback/take_over/phase_a/...
	Host       string
	User       string
	ChangeUUID string
	Accepted   bool
	RejectKind errkind.Kind
	Reason     string
	Counters   errkind.Counters
}

// Logger writes Events to the configured sink. It wraps a *zap.Logger so
// the destination (stdout/file/syslog) is whatever that logger was built
// with; Logger only shapes the event into structured fields.
type Logger struct {
	zl *zap.Logger

	mu     sync.Mutex
	file   *os.File
	sysw   *syslog.Writer
	fields []zap.Field // static fields merged onto every event, e.g. cluster name
}

// New builds a Logger around an already-configured *zap.Logger. Use Open to
// build one from a Sink selection and a destination path instead.
func New(zl *zap.Logger, staticFields ...zap.Field) *Logger {
	return &Logger{zl: zl, fields: staticFields}
}

// Open resolves a Sink selection into a ready Logger. For SinkFile, path is
// the audit log file (opened append-only); for SinkSyslog, path is ignored
// and the local syslog daemon is used; for SinkStdout, path is ignored.
func Open(sink Sink, path string, zl *zap.Logger, staticFields ...zap.Field) (*Logger, error) {
	l := &Logger{zl: zl, fields: staticFields}
	switch sink {
	case SinkStdout, "":
		return l, nil
	case SinkFile:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("audit: open sink file %s: %w", path, err)
		}
		l.file = f
		return l, nil
	case SinkSyslog:
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_LOCAL0, "configchange")
		if err != nil {
			return nil, fmt.Errorf("audit: dial syslog: %w", err)
		}
		l.sysw = w
		return l, nil
	default:
		return nil, fmt.Errorf("audit: unknown sink %q", sink)
	}
}

// Close releases any file or syslog handle the Logger opened.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	if l.sysw != nil {
		return l.sysw.Close()
	}
	return nil
}

// Record writes one audit Event. A nil Logger is a valid no-op, so callers
// that haven't wired audit (tests, CLI dry-runs) can invoke this freely.
func (l *Logger) Record(_ context.Context, ev Event) {
	if l == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	fields := append([]zap.Field{}, l.fields...)
	fields = append(fields,
		logger.Component(ev.Component),
		logger.Op(ev.Op),
		zap.Time("ts", ev.Timestamp),
		zap.String("host", ev.Host),
		zap.String("user", ev.User),
		zap.Bool("accepted", ev.Accepted),
	)
	if ev.NodeID != "" {
		fields = append(fields, logger.NodeID(ev.NodeID))
	}
	if ev.ChangeUUID != "" {
		fields = append(fields, zap.String("change_uuid", ev.ChangeUUID))
	}
	if ev.RejectKind != "" {
		fields = append(fields, logger.RejectionKind(string(ev.RejectKind)))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	fields = append(fields,
		logger.MutativeCount(ev.Counters.MutativeMessageCount),
		zap.Int64("current_version", ev.Counters.CurrentVersion),
		zap.Int64("highest_version", ev.Counters.HighestVersion),
	)

	if l.zl != nil {
		if ev.Accepted {
			l.zl.Info("audit", fields...)
		} else {
			l.zl.Warn("audit", fields...)
		}
	}

	l.writeRaw(ev)
}

// writeRaw duplicates the event onto a file or syslog sink, independent of
// whatever the wrapped zap.Logger's own destination is. Most deployments
// only need the zap path (sink=stdout); file/syslog sinks exist for
// operators who want the audit trail segregated from application logs.
func (l *Logger) writeRaw(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s component=%s op=%s node=%s host=%s user=%s change=%s accepted=%t kind=%s reason=%q mmc=%d version=%d highest=%d\n",
		ev.Timestamp.Format(time.RFC3339Nano), ev.Component, ev.Op, ev.NodeID, ev.Host, ev.User,
		ev.ChangeUUID, ev.Accepted, ev.RejectKind, ev.Reason,
		ev.Counters.MutativeMessageCount, ev.Counters.CurrentVersion, ev.Counters.HighestVersion)

	switch {
	case l.file != nil:
		_, _ = l.file.WriteString(line)
	case l.sysw != nil:
		if ev.Accepted {
			_ = l.sysw.Info(line)
		} else {
			_ = l.sysw.Warning(line)
		}
	}
}
