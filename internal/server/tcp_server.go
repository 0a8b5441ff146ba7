package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"fleettrack-svr/internal/dispatcher"
	"fleettrack-svr/internal/observability"
	"fleettrack-svr/internal/utilities"
)

// StartTCP accepts connections from vehicle units. Each unit streams
// newline-delimited JSON position reports; each line is dispatched on its own
// goroutine, so a slow vehicle lease never stalls the connection read loop.
func StartTCP(addr string, d *dispatcher.Dispatcher, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error starting TCP server: %w", err)
	}
	defer listener.Close()

	logger = logger.With("component", "tcp")
	logger.Info("TCP ingest listening", "addr", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Error("accept error", "err", err)
			continue
		}
		observability.TCPConnections.Inc()
		go handleConnection(conn, d, logger)
	}
}

func handleConnection(conn net.Conn, d *dispatcher.Dispatcher, logger *slog.Logger) {
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
		_ = tcpConn.SetNoDelay(false)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}

	remote := conn.RemoteAddr().String()
	logger.Info("unit connected", "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 2048), 64*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)

		utilities.CreateLog("RAWREPORTS", string(data))

		go d.ProcessIncoming(context.Background(), data)
	}
	if err := scanner.Err(); err != nil {
		logger.Error("read error", "remote", remote, "err", err)
		return
	}
	logger.Info("unit disconnected", "remote", remote)
}
