package supervisor

import (
	"bufio"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	streamStdout = "stdout"
	streamStderr = "stderr"
)

// pipeToLog logs every line read from r. stdout lines are info, stderr
// lines are warnings and set sawError. Lines longer than maxLine are cut
// off and the rest of the stream is drained so the worker never blocks on a
// full pipe.
func pipeToLog(r io.Reader, stream string, maxLine int, logger *zap.Logger, sawError *atomic.Bool) {
	logger = logger.With(zap.String("stream", stream))
	sc := bufio.NewScanner(r)
	initial := 64 * 1024
	if maxLine < initial {
		initial = maxLine
	}
	sc.Buffer(make([]byte, 0, initial), maxLine)

	for sc.Scan() {
		line := sc.Text()
		if stream == streamStderr {
			sawError.Store(true)
			logger.Warn(line)
			continue
		}
		logger.Info(line)
	}
	if err := sc.Err(); err != nil {
		if stream == streamStderr {
			sawError.Store(true)
		}
		logger.Warn("worker output exceeds max buffer, discarding the rest", zap.Error(err))
		io.Copy(io.Discard, r)
	}
}
