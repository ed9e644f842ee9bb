// Package guard puts the binaries into test mode. Tests that call main import
// it for side effects.
package guard

import (
	"os"

	"github.com/odyssey-erp/odyssey-access/internal/app"
)

func init() {
	if _, ok := os.LookupEnv(app.TestModeEnv); !ok {
		_ = os.Setenv(app.TestModeEnv, "1")
	}
}
