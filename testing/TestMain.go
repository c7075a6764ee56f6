package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("DIRECTORY_TEST_MODE", "1")
		if os.Getenv("DIRECTORY_BCRYPT_COST") == "" {
			_ = os.Setenv("DIRECTORY_BCRYPT_COST", "4")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
