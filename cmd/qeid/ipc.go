package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Protocol: line-delimited JSON
//   - Client sends: {"type": "command_name", "data": {...}}
//   - Server responds: {"status": "ok", "sample": {...}}
//     or {"status": "error", "error": "msg"}
// ============================================================================

// ipcReplyTimeout bounds how long a connection waits for the daemon loop.
const ipcReplyTimeout = 2 * time.Second

// runIPCServer serves the Unix domain socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, requests chan<- Request, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener unblocks Accept.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, requests, logger)
	}
}

// handleIPCConnection answers every request line on conn.
func handleIPCConnection(ctx context.Context, conn net.Conn, requests chan<- Request, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := dispatchIPC(ctx, line, requests)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

func dispatchIPC(ctx context.Context, line string, requests chan<- Request) IPCResponse {
	cmd, err := UnmarshalCommand([]byte(line))
	if err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse command: %v", err)}
	}

	reply := make(chan IPCResponse, 1)
	select {
	case requests <- Request{Cmd: cmd, Reply: reply}:
	default:
		return IPCResponse{Status: "error", Error: "request queue full"}
	}

	timer := time.NewTimer(ipcReplyTimeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		return resp
	case <-ctx.Done():
		return IPCResponse{Status: "error", Error: "daemon shutting down"}
	case <-timer.C:
		return IPCResponse{Status: "error", Error: "timeout waiting for daemon"}
	}
}

// SendIPCCommand sends one command to the daemon and returns its response.
func SendIPCCommand(socketPath string, cmd Command) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := MarshalCommand(cmd)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal command: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send command: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("ipc error: %s", resp.Error)
	}
	return resp, nil
}
