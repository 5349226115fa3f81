// Package brokertest runs a minimal in-process MQTT 3.1.1 broker for tests.
// It accepts every CONNECT, answers SUBSCRIBE with a configurable return code
// and never routes publishes.
package brokertest

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// SubackRefused is the SUBACK return code for a rejected topic filter.
const SubackRefused byte = 0x80

type Server struct {
	ln net.Listener

	subackCode  atomic.Uint32
	ackUnsub    atomic.Bool
	subscribes  atomic.Int32
	disconnects atomic.Int32

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer listens on a loopback port and stops when the test ends.
// SUBSCRIBE is granted at QoS 0 and UNSUBSCRIBE is acknowledged until told
// otherwise.
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("brokertest: listen: %v", err)
	}
	s := &Server{ln: ln, conns: map[net.Conn]struct{}{}}
	s.ackUnsub.Store(true)

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Host() string { return "127.0.0.1" }

func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// SetSubackCode sets the return code sent for every subscribed filter.
func (s *Server) SetSubackCode(code byte) { s.subackCode.Store(uint32(code)) }

// SetAckUnsubscribe controls whether UNSUBSCRIBE gets an UNSUBACK.
func (s *Server) SetAckUnsubscribe(ack bool) { s.ackUnsub.Store(ack) }

func (s *Server) Subscribes() int { return int(s.subscribes.Load()) }

// Disconnects counts clients that sent DISCONNECT.
func (s *Server) Disconnects() int { return int(s.disconnects.Load()) }

func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		var reply packets.ControlPacket
		switch p := cp.(type) {
		case *packets.ConnectPacket:
			reply = packets.NewControlPacket(packets.Connack)
		case *packets.SubscribePacket:
			s.subscribes.Add(1)
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			for range p.Topics {
				ack.ReturnCodes = append(ack.ReturnCodes, byte(s.subackCode.Load()))
			}
			reply = ack
		case *packets.UnsubscribePacket:
			if !s.ackUnsub.Load() {
				continue
			}
			ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			ack.MessageID = p.MessageID
			reply = ack
		case *packets.PingreqPacket:
			reply = packets.NewControlPacket(packets.Pingresp)
		case *packets.DisconnectPacket:
			s.disconnects.Add(1)
			return
		default:
			continue
		}
		if err := reply.Write(conn); err != nil {
			return
		}
	}
}
