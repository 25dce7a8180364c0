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
	"context"
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	// UDP packet size is globally limited by the packet header length field of 2^16-1.
	// However, additionally, IP data path MTU can cause UDP packets larger than the MTU
	// to be fragmented. If fragments are lost due to packet loss, the UDP packet cannot be
	// reassembled and is therefore dropped entirely. Preventing fragmentation therefore is
	// a good measure to prevent losing to many packets
	//
	// These days, MTU is most of the times in the ball park of 1500 Bytes. Subtracting IP and UDP
	// packet header lengths, as well as headers of various encapsulation formats, this then yields
	// a maximum packet size for UDP packets of 1420 (At least that is what yaf assumes).
	//
	// We patched yaf to support larger UDP packets, and can therefore use more bytes here
	// udpPacketBufferSize int = 0xFFFF, which in turn allows us to use more verbose DPI
	// with UDP transport (this previously caused a lot of unrecoverable crashes)
	UDPPacketBufferSize int = 1500

	// Number of packets being buffered in the channel. This effectively moves
	// packet buffering from UDP socket to the user space, which alleviates most
	// packet loss issues, but also increases memory usage by one copy, trimmed to
	// the datagram's size, per buffered packet.
	UDPChannelBufferSize int = 50
)

// UDPPacket pairs a received datagram's payload with the address it arrived
// from, so that callers needing the peer (e.g. Collector, for the Session
// OnMessage callback) don't have to re-derive it.
type UDPPacket struct {
	Data []byte
	Peer net.Addr
}

type UDPListener struct {
	bindAddr   string
	bufferSize int
	peerCh     chan UDPPacket

	forwardOnce sync.Once
	packetCh    chan []byte

	addr     *net.UDPAddr
	listener net.PacketConn
}

func NewUDPListener(bindAddr string) *UDPListener {
	return &UDPListener{
		bindAddr:   bindAddr,
		bufferSize: UDPPacketBufferSize,
		peerCh:     make(chan UDPPacket, UDPChannelBufferSize),
	}
}

// NewUDPListenerWithBufferSize is like NewUDPListener but reads datagrams
// into a buffer of bufferSize octets instead of the package-wide
// UDPPacketBufferSize default. The Collector uses this to accommodate IPFIX's
// 131072-octet maximum message size.
func NewUDPListenerWithBufferSize(bindAddr string, bufferSize int) *UDPListener {
	l := NewUDPListener(bindAddr)
	l.bufferSize = bufferSize
	return l
}

func (l *UDPListener) Listen(ctx context.Context) (err error) {
	logger := FromContext(ctx)
	// do this last such that the goroutine reading packets exits before closing the channel
	defer close(l.peerCh)
	l.addr, err = net.ResolveUDPAddr("udp", l.bindAddr)
	if err != nil {
		logger.Error(err, "failed to resolve UDP address", "addr", l.bindAddr)
		return err
	}
	listenConfig := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var err error
			controlErr := c.Control(func(fd uintptr) {
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if err != nil {
					return
				}
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if controlErr != nil {
				err = controlErr
			}
			return err
		},
	}
	l.listener, err = listenConfig.ListenPacket(ctx, "udp", l.bindAddr)
	if err != nil {
		logger.Error(err, "failed to bind udp listener", "addr", l.addr)
	}
	defer l.listener.Close()

	var rerr error
	go func() {
		// allocate this buffer once and re-use it for each packet to read from the socket
		buffer := make([]byte, l.bufferSize)
		for {
			n, peer, err := l.listener.ReadFrom(buffer)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				ErrorsTotal.Inc()
				rerr = err
				logger.Error(err, "failed to read from UDP socket")
				return
			}
			PacketsTotal.Inc()
			UDPPacketBytes.Add(float64(n))

			// allocate a smaller, trimmed to the actual packet size buffer to
			// dispose the large bufferSize-octet read buffer to not claim this memory forever,
			// as just handing "buffer[:n]" will NOT actually shrink the original object
			packet := make([]byte, n)
			copy(packet, buffer[:n])

			l.peerCh <- UDPPacket{Data: packet, Peer: peer}
		}
	}()

	logger.Info("Started UDP listener", "addr", l.bindAddr)

	<-ctx.Done()
	logger.Info("Shutting down UDP listener", "addr", l.bindAddr)

	// use error from reader goroutine if set
	err = rerr
	return
}

// Messages returns a channel of raw datagram payloads, discarding the peer
// address. Kept for callers that only care about the bytes; PeerMessages
// should be preferred by anything that needs to know who sent a datagram.
func (l *UDPListener) Messages() <-chan []byte {
	l.forwardOnce.Do(func() {
		l.packetCh = make(chan []byte, UDPChannelBufferSize)
		go func() {
			defer close(l.packetCh)
			for p := range l.peerCh {
				l.packetCh <- p.Data
			}
		}()
	})
	return l.packetCh
}

// PeerMessages returns a channel of received datagrams paired with the
// address they arrived from.
func (l *UDPListener) PeerMessages() <-chan UDPPacket {
	return l.peerCh
}
