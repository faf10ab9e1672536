// Package mqtttest runs an in-process MQTT broker for tests that need a
// live session without Docker.
package mqtttest

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Broker is a running broker on a loopback port.
type Broker struct {
	Host string
	Port int

	server *mochi.Server

	mu       sync.Mutex
	messages [][]byte
}

// Start launches a broker that accepts any client and records every message
// published to topic. It is stopped when the test ends.
func Start(t testing.TB, topic string) *Broker {
	t.Helper()

	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("broker auth hook: %v", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "test", Address: "127.0.0.1:0"})
	if err := server.AddListener(tcp); err != nil {
		t.Fatalf("broker listener: %v", err)
	}

	b := &Broker{server: server}
	err := server.Subscribe(topic, 1, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		b.mu.Lock()
		b.messages = append(b.messages, append([]byte(nil), pk.Payload...))
		b.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("broker subscribe: %v", err)
	}

	if err := server.Serve(); err != nil {
		t.Fatalf("broker serve: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	host, port, err := net.SplitHostPort(tcp.Address())
	if err != nil {
		t.Fatalf("broker address %q: %v", tcp.Address(), err)
	}
	b.Host = host
	b.Port, err = strconv.Atoi(port)
	if err != nil {
		t.Fatalf("broker port %q: %v", port, err)
	}
	return b
}

// Messages returns a copy of the payloads received so far, in arrival order.
func (b *Broker) Messages() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.messages...)
}

// WaitForMessages blocks until at least n messages arrived or timeout
// passes, and returns what was received.
func (b *Broker) WaitForMessages(n int, timeout time.Duration) [][]byte {
	deadline := time.Now().Add(timeout)
	for {
		got := b.Messages()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
}
