package cdp

import (
	"fmt"
	"os"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	exitCode := m.Run()
	if exitCode == 0 {
		// Sockets from just-closed httptest servers take a moment to die;
		// they are not ours to wait for.
		opts := []goleak.Option{
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
			goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
			goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		}
		if err := goleak.Find(opts...); err != nil {
			fmt.Println(err)
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}
