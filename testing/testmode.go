// Package testing flips binaries into test mode when imported by a test.
package testing

import (
	"os"
	"sync"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("STOCKLEDGER_TEST_MODE", "1")
	})
}

func init() {
	ensureTestMode()
}
