// Package logging defines the narrow logger interface the crawler core
// talks to, plus a logrus-backed implementation.
package logging

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is everything the crawler core needs from a log sink. Key/value
// pairs alternate in kv, like logrus fields flattened.
type Logger interface {
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})

	// Meta records one metadata-worker event for an (infohash, peer) pair.
	Meta(event, infohash, peer string, kv ...interface{})

	// Status reports rolling counters. Implementations may throttle.
	Status(kv ...interface{})

	// TorrentBlock reports a completed torrent.
	TorrentBlock(infohash, name string, size int64, files int, peer string)
}

type logrusLogger struct {
	log *logrus.Logger

	mu             sync.Mutex
	lastStatus     time.Time
	statusInterval time.Duration
}

// New returns a Logger writing logrus text lines to stderr.
func New() Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return &logrusLogger{log: l, statusInterval: time.Second}
}

// Discard returns a Logger that drops everything. Used in tests.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logrusLogger{log: l, statusInterval: time.Hour}
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}

func (l *logrusLogger) Info(msg string, kv ...interface{}) {
	l.log.WithFields(fields(kv)).Info(msg)
}

func (l *logrusLogger) Warn(msg string, kv ...interface{}) {
	l.log.WithFields(fields(kv)).Warn(msg)
}

func (l *logrusLogger) Error(msg string, kv ...interface{}) {
	l.log.WithFields(fields(kv)).Error(msg)
}

func (l *logrusLogger) Meta(event, infohash, peer string, kv ...interface{}) {
	f := fields(kv)
	f["infohash"] = infohash
	f["peer"] = peer
	l.log.WithFields(f).Debug(event)
}

func (l *logrusLogger) Status(kv ...interface{}) {
	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.lastStatus) < l.statusInterval {
		l.mu.Unlock()
		return
	}
	l.lastStatus = now
	l.mu.Unlock()

	l.log.WithFields(fields(kv)).Info("status")
}

func (l *logrusLogger) TorrentBlock(infohash, name string, size int64, files int, peer string) {
	l.log.WithFields(logrus.Fields{
		"infohash": infohash,
		"name":     name,
		"size":     size,
		"files":    files,
		"peer":     peer,
	}).Info("torrent")
}
