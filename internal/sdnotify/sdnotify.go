// Package sdnotify speaks the sd_notify protocol over the NOTIFY_SOCKET
// datagram socket. Everything is a no-op outside systemd.
package sdnotify

import (
	"net"
	"os"
)

// Ready reports startup completion (READY=1).
func Ready() error { return send("READY=1") }

// Watchdog pets the service watchdog (WATCHDOG=1).
func Watchdog() error { return send("WATCHDOG=1") }

// Stopping announces shutdown (STOPPING=1).
func Stopping() error { return send("STOPPING=1") }

// Status updates the text shown by systemctl status.
func Status(msg string) error { return send("STATUS=" + msg) }

func send(state string) error {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(state))
	return err
}
