package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"zonewatch/internal/buildinfo"
	"zonewatch/internal/control"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:     "zonewatchctl",
		Short:   "Send a command to a running zonewatchd over its control socket",
		Version: buildinfo.Version,
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Control socket path override")

	for _, c := range []string{"reload", "status", "ping", "shutdown"} {
		cmd.AddCommand(commandCmd(c, &socketPath))
	}
	return cmd
}

func commandCmd(name string, socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Send the %s command", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand(cmd.Context(), control.ResolvePath(*socketPath), name)
			if err != nil {
				return err
			}
			fmt.Print(reply)
			return nil
		},
	}
}

func sendCommand(ctx context.Context, socketPath, cmd string) (string, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return "", fmt.Errorf("connect to socket %q: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}

	// Half-close so the daemon sees EOF after this one command and closes
	// the connection once its reply is written; a status reply spans
	// several lines, so the reply is read to EOF rather than to one newline.
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return "", fmt.Errorf("close write: %w", err)
		}
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(reply), nil
}
