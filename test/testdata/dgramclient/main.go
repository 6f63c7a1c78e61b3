// Command dgramclient is integration-test scaffolding: it plays the role of
// a descendant process that dials the datagram socket mpld publishes via
// MULTIPROC_LOG_DEVICE_DGRAM and sends exactly one StructuredLogMessage,
// then exits. It exists so the integration suite can exercise the real
// device package and the real datagram receiver end to end, including the
// AttachedFileProxy fallback for oversize payloads, without hand-rolling
// the wire protocol in the test itself.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ianremillard/mpld/device"
	"github.com/ianremillard/mpld/internal/wire"
)

func main() {
	sockPath := os.Getenv("MULTIPROC_LOG_DEVICE_DGRAM")
	if sockPath == "" {
		fmt.Fprintln(os.Stderr, "dgramclient: MULTIPROC_LOG_DEVICE_DGRAM not set")
		os.Exit(1)
	}

	if delayMs, err := strconv.Atoi(os.Getenv("DGRAMCLIENT_DELAY_MS")); err == nil && delayMs > 0 {
		time.Sleep(time.Duration(delayMs) * time.Millisecond)
	}

	text := os.Getenv("DGRAMCLIENT_MESSAGE")
	if sizeStr := os.Getenv("DGRAMCLIENT_MESSAGE_SIZE"); sizeStr != "" {
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dgramclient: bad DGRAMCLIENT_MESSAGE_SIZE: %v\n", err)
			os.Exit(1)
		}
		text = strings.Repeat("x", size)
	}

	msg := wire.StructuredLogMessage{MessageText: []byte(text)}
	if foo := os.Getenv("DGRAMCLIENT_ATTR_FOO"); foo != "" {
		msg.Attributes = wire.AttrMap{{Key: "foo", Value: foo}}
	}

	client, err := device.DialStructured(sockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dgramclient: dial: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := client.Send(msg); err != nil {
		fmt.Fprintf(os.Stderr, "dgramclient: send: %v\n", err)
		os.Exit(1)
	}
}
