package testing

import (
	"os"
	"path/filepath"
	"sync"
	stdtesting "testing"
)

var once sync.Once

// enableTestMode keeps mains and the scheduler lock away from shared paths.
func enableTestMode() {
	once.Do(func() {
		_ = os.Setenv("TMS_TEST_MODE", "1")
		if os.Getenv("MAIL_SYNC_LOCK_FILE") == "" {
			_ = os.Setenv("MAIL_SYNC_LOCK_FILE", filepath.Join(os.TempDir(), "tms-test-mail-sync.lock"))
		}
	})
}

func init() {
	enableTestMode()
}

func TestMain(m *stdtesting.M) {
	enableTestMode()
	os.Exit(m.Run())
}
