package process

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
)

// isZombie returns true if /proc/<pid>/status reports a zombie on Linux.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// lineLogger turns a byte stream into one slog record per line.
type lineLogger struct {
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once
}

func newLineLogger(l *slog.Logger, level slog.Level, stream string) *lineLogger {
	pr, pw := io.Pipe()
	ll := &lineLogger{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(ll.done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			l.Log(context.Background(), level, sc.Text(), "stream", stream)
		}
		_ = pr.CloseWithError(sc.Err())
	}()
	return ll
}

func (l *lineLogger) Write(b []byte) (int, error) { return l.pw.Write(b) }

// Close flushes the last partial line and waits for the reader to finish.
func (l *lineLogger) Close() error {
	l.once.Do(func() { _ = l.pw.Close() })
	<-l.done
	return nil
}
