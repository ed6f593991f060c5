package bus

import (
	"fmt"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
)

// StartEmbedded runs an in-process nats-server with JetStream enabled on a
// random port. Used by tests and by single-node dev deployments that do not
// want an external broker.
func StartEmbedded(storeDir string) (*natssrv.Server, string, error) {
	opts := &natssrv.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}
	s, err := natssrv.NewServer(opts)
	if err != nil {
		return nil, "", fmt.Errorf("embedded nats: %w", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, "", fmt.Errorf("embedded nats not ready after 5s")
	}
	return s, s.ClientURL(), nil
}
