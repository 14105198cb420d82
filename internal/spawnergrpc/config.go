package spawnergrpc

import "time"

// Config controls the spawner gRPC server/client setup.
type Config struct {
	// SocketPath is a unix socket. Address, when set, is a TCP host:port
	// and takes precedence.
	SocketPath string
	Address    string
	// KeepaliveInterval and KeepaliveMisses stop the server once its client
	// has not pinged for Misses intervals. Zero disables the check.
	KeepaliveInterval time.Duration
	KeepaliveMisses   int
}
