package agentcli

import (
	"bufio"
	"io"
	"sync"

	"pkt.systems/pslog"
)

const (
	streamStdout = "stdout"
	streamStderr = "stderr"
)

// lineFunc receives one output line of a running agent process.
type lineFunc func(stream, line string)

// outputReader scans stdout and stderr of an agent process line by line.
type outputReader struct {
	wg    sync.WaitGroup
	log   pslog.Logger
	errMu sync.Mutex
	err   error
}

func readOutput(log pslog.Logger, stdout, stderr io.Reader, fn lineFunc) *outputReader {
	r := &outputReader{log: log}
	r.wg.Add(2)
	go r.scan(streamStdout, stdout, fn)
	go r.scan(streamStderr, stderr, fn)
	return r
}

func (r *outputReader) scan(stream string, reader io.Reader, fn lineFunc) {
	defer r.wg.Done()
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	count := 0
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		count++
		if r.log != nil {
			preview := previewText(text, 200)
			r.log.Trace("agent output", "stream", stream, "text_len", len(text), "preview", preview, "truncated", len(preview) < len(text))
		}
		fn(stream, text)
	}
	if err := scanner.Err(); err != nil {
		if r.log != nil {
			r.log.Warn("agent output read failed", "stream", stream, "err", err)
		}
		r.errMu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.errMu.Unlock()
	}
	if count > 0 && r.log != nil {
		r.log.Debug("agent output completed", "stream", stream, "lines", count)
	}
}

// wait blocks until both streams reached EOF and returns the first read
// error.
func (r *outputReader) wait() error {
	r.wg.Wait()
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
