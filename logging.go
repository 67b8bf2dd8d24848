package tcalloc

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// logger is swapped atomically so SetLogger can be called concurrently
// with allocation traffic without synchronizing the hot path.
var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.Nop()
	logger.Store(&l)
}

// SetLogger installs l as the destination for tcalloc's cold-path
// diagnostics: OS page-mapping failures, span-table overflow, and spans
// reclaimed by the delayed-return sweep. The allocate/deallocate fast path
// never logs. The default is a no-op logger.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

func log() *zerolog.Logger {
	return logger.Load()
}
