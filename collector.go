/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// MaxDatagramSize is the largest single UDP datagram the Collector will
// allocate a read buffer for. This is larger than any real network MTU, to
// accommodate carriers that reassemble fragmented IPFIX datagrams before
// handing them to the collector.
const MaxDatagramSize = 131072

// CollectorConfig configures a Collector's bound address and transport.
type CollectorConfig struct {
	ListenIP   string `json:"listenIP,omitempty" yaml:"listenIP,omitempty"`
	ListenPort uint16 `json:"listenPort,omitempty" yaml:"listenPort,omitempty"`
	Transport  string `json:"transport,omitempty" yaml:"transport,omitempty"`
}

func (c *CollectorConfig) validate() error {
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.Transport != "udp" {
		return Config("transport", fmt.Errorf("only \"udp\" is currently supported, got %q", c.Transport))
	}
	if c.ListenPort == 0 {
		return Config("listenPort", fmt.Errorf("port must be in [1, 65535]"))
	}
	if c.ListenIP != "" && net.ParseIP(c.ListenIP) == nil {
		return Config("listenIP", fmt.Errorf("%q is not a valid IP address", c.ListenIP))
	}
	return nil
}

// Collector receives IPFIX messages over UDP and decodes them through a
// Session, one observation domain at a time. Start and Stop are non-blocking;
// decoding and the user's OnMessage callback run on a single dedicated
// worker goroutine, per section 5 of the concurrency model.
type Collector struct {
	config  CollectorConfig
	session *Session

	mu       sync.Mutex
	running  bool
	listener *UDPListener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector creates a Collector bound to config, dispatching decoded
// messages through session. If session is nil, a fresh Session is created.
func NewCollector(config CollectorConfig, session *Session) (*Collector, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if session == nil {
		session = NewSession(nil)
	}
	return &Collector{config: config, session: session}, nil
}

// Session returns the Collector's underlying Session, through which
// OnMessage callbacks are registered and per-domain state can be inspected.
func (c *Collector) Session() *Session {
	return c.session
}

// Start launches the UDP listener and the receive loop in the background and
// returns without waiting for the socket to be bound; a bind failure is not
// returned by Start. Calling Start on an already-running Collector is a no-op.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	bindAddr := net.JoinHostPort(c.config.ListenIP, strconv.Itoa(int(c.config.ListenPort)))
	listener := NewUDPListenerWithBufferSize(bindAddr, MaxDatagramSize)

	c.cancel = cancel
	c.listener = listener
	c.done = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	listenReady := make(chan error, 1)
	go func() {
		listenReady <- nil
		if err := listener.Listen(runCtx); err != nil {
			FromContext(runCtx).Error(err, "udp collector listener terminated", "addr", bindAddr)
		}
	}()
	<-listenReady

	go c.receiveLoop(runCtx, listener)

	FromContext(ctx).Info("collector started", "addr", bindAddr)
	return nil
}

// receiveLoop is the Collector's single dedicated worker: it decodes each
// datagram independently and never terminates on a per-datagram error, per
// section 4.12 of the exporter/collector design.
func (c *Collector) receiveLoop(ctx context.Context, listener *UDPListener) {
	defer close(c.done)
	logger := FromContext(ctx)

	for packet := range listener.PeerMessages() {
		_, err := c.session.ReadMessage(ctx, bytes.NewBuffer(packet.Data), packet.Peer)
		if err != nil {
			logger.Error(err, "failed to decode IPFIX datagram, dropping", "peer", packet.Peer)
			continue
		}
	}
}

// Stop cancels the receive loop and waits for the worker to exit. Calling
// Stop on a Collector that was never started, or already stopped, is a
// no-op.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	done := c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
}
