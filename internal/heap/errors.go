package heap

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/funvibe/rcheap/internal/config"
)

var (
	// ErrNotInitialized is returned when a registry or heap is used before
	// Initialize or after Shutdown/Close.
	ErrNotInitialized = errors.New("rcheap: runtime not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize without Shutdown.
	ErrAlreadyInitialized = errors.New("rcheap: runtime already initialized")

	// ErrHeapExhausted is returned by New when the allocation would exceed
	// heap.max_bytes even after an emergency collection.
	ErrHeapExhausted = errors.New("rcheap: heap exhausted")
)

const invariantPrefix = "rcheap: invariant violated: "

// invariant aborts on internal corruption. It is never recovered.
func invariant(format string, args ...any) {
	panic(fmt.Sprintf(invariantPrefix+format, args...))
}

// isInvariant reports whether a recovered value came from invariant.
// Recovering code must re-panic with it.
func isInvariant(r any) bool {
	s, ok := r.(string)
	return ok && strings.HasPrefix(s, invariantPrefix)
}

var logger atomic.Pointer[log.Logger]

func init() {
	logger.Store(log.New(os.Stderr, config.LogPrefix, 0))
}

// SetLogger replaces the runtime logger and returns the previous one.
// A nil logger restores the default stderr logger.
func SetLogger(l *log.Logger) *log.Logger {
	if l == nil {
		l = log.New(os.Stderr, config.LogPrefix, 0)
	}
	return logger.Swap(l)
}

// Logger returns the current runtime logger, for packages that report
// alongside the heap.
func Logger() *log.Logger { return logger.Load() }

func logf(format string, args ...any) {
	logger.Load().Printf(format, args...)
}
