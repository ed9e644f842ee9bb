package app

import (
	"os"
	"sync"
)

// TestModeEnv set to 1 makes the binaries return before connecting to
// PostgreSQL or Redis. Test packages set it through internal/testing/guard.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return os.Getenv(TestModeEnv) == "1"
})

// InTestMode reports whether the binaries should skip runtime side effects.
// The environment is read once per process.
func InTestMode() bool {
	return testMode()
}
