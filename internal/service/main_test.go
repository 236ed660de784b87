package service_test

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"

	"github.com/CZERTAINLY/broker-testenv/internal/env"
	"github.com/CZERTAINLY/broker-testenv/internal/mailproto"

	"go.uber.org/goleak"
)

// fakeBrokerEnv turns the test binary into a fake broker, see fakeBroker.
const fakeBrokerEnv = "FAKE_BROKER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeBrokerEnv); mode != "" {
		os.Exit(fakeBroker(mode))
	}
	goleak.VerifyTestMain(m)
}

// fakeBroker behaves like the real broker as far as the harness can tell:
//   - serve: listens on BROKER_LISTEN_IP:BROKER_LISTEN_PORT, sends one mail
//   - deaf: never listens
//   - exit: fails right away
//   - env: prints the variables the broker reads to stdout, then serves
func fakeBroker(mode string) int {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)

	if mode == "env" {
		for _, kv := range os.Environ() {
			name, _, _ := strings.Cut(kv, "=")
			if env.Owned(name) {
				fmt.Println(kv)
			}
		}
	}
	fmt.Println("fake broker stdout")
	fmt.Fprintln(os.Stderr, "INFO starting fake broker")

	switch mode {
	case "exit":
		fmt.Fprintln(os.Stderr, "ERROR cannot open database")
		return 3
	case "deaf":
		<-sigs
		return 0
	}

	addr := net.JoinHostPort(os.Getenv("BROKER_LISTEN_IP"), os.Getenv("BROKER_LISTEN_PORT"))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR listen:", err)
		return 2
	}
	defer func() {
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	fmt.Fprintln(os.Stderr, mailproto.BeginSentinel)
	fmt.Fprintln(os.Stderr, "Subject: Finish logging in to http://localhost:44133")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "http://localhost:44133/confirm?code=abc")
	fmt.Fprintln(os.Stderr, mailproto.EndSentinel)
	fmt.Fprintln(os.Stderr, "INFO listening on", addr)

	<-sigs
	fmt.Fprintln(os.Stderr, "INFO shutting down")
	return 0
}
