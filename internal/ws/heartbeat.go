package ws

import (
	"net"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
)

// keepalive periodically sends WebSocket ping frames (opcode 0x9) on netConn
// until stop is closed. The server answers automatically with a pong, which
// the read loop consumes. A failed ping closes the socket so the read loop
// reports a transport error and the reconnect policy takes over.
func (c *Conn) keepalive(netConn net.Conn, stop <-chan struct{}) {
	if c.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(netConn, ws.OpPing, nil); err != nil {
				c.logger.Warn("keepalive ping failed", zap.Error(err))
				_ = netConn.Close()
				return
			}
		}
	}
}
