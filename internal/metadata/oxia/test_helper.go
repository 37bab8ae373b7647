package oxia

import (
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// EnvServiceAddress names an external Oxia server to use in tests instead
// of starting one in process.
const EnvServiceAddress = "OXIA_SERVICE_ADDRESS"

// TestServer is an Oxia endpoint for tests.
type TestServer struct {
	addr string
}

// Addr returns the service address.
func (s *TestServer) Addr() string { return s.addr }

// StartTestServer returns the server named by OXIA_SERVICE_ADDRESS, or runs
// a standalone server in a temporary directory until the test ends.
func StartTestServer(t testing.TB) *TestServer {
	t.Helper()

	if addr := os.Getenv(EnvServiceAddress); addr != "" {
		t.Logf("using external oxia at %s", addr)
		return &TestServer{addr: addr}
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("start oxia: %v", err)
	}
	t.Cleanup(func() {
		if err := standalone.Close(); err != nil {
			t.Logf("stop oxia: %v", err)
		}
	})
	return &TestServer{addr: standalone.ServiceAddr()}
}
