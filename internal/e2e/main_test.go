package e2e

import (
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"
)

// Global timeout guard: detection sessions involve background goroutines and
// sockets, so a wedged test must abort instead of hanging the run.
func TestMain(m *testing.M) {
	timeout := time.Minute
	if v := os.Getenv("E2E_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}
	timer := time.AfterFunc(timeout, func() {
		fmt.Fprintf(os.Stderr, "\n[E2E] global timeout %s reached, aborting tests\n", timeout)
		os.Exit(3)
	})
	code := m.Run()
	_ = timer.Stop()
	os.Exit(code)
}
