// Package portmapper implements just enough of RFC 1833 program 100000
// version 2 to let a standard VXI-11 client discover the gateway's TCP port:
// PMAPPROC_NULL and PMAPPROC_GETPORT, answered on TCP and UDP port 111 for
// the DEVICE_CORE and DEVICE_ASYNC programs only.
package portmapper

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/vxi11gw/vxi11gw/internal/rpcwire"
)

// Program and procedure numbers (RFC 1833).
const (
	Program = 100000
	Version = 2

	ProcNull    = 0
	ProcGetPort = 3
)

// Protocol identifiers as carried in the GETPORT argument.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// Registration is one program -> TCP port answer the portmapper will
// serve; any version of a registered program resolves to the same port.
type Registration struct {
	Program uint32
	Port    uint32
}

// Server answers portmapper queries for a fixed set of registrations;
// everything else, including DEVICE_INTR, resolves to port 0.
type Server struct {
	logger *slog.Logger

	mu            sync.RWMutex
	registrations map[uint32]uint32 // program -> port

	tcpListener net.Listener
	udpConn     *net.UDPConn

	wg sync.WaitGroup
}

// New creates a portmapper server with no registrations yet.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:        logger,
		registrations: make(map[uint32]uint32),
	}
}

// Register binds program to port; any version of that program answers port.
func (s *Server) Register(program uint32, port uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[program] = port
}

// GetPort returns the registered port for program, or 0 if unknown.
func (s *Server) GetPort(program uint32) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registrations[program]
}

// Start binds TCP and UDP listeners on addr (host:111, typically).
// Failure to bind (most often EACCES on 111) is not fatal to the gateway:
// Start returns the error so the caller can decide to continue without
// the portmapper.
func (s *Server) Start(ctx context.Context, addr string) error {
	tcpL, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("portmapper: tcp listen %s: %w", addr, err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		tcpL.Close()
		return fmt.Errorf("portmapper: resolve udp %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcpL.Close()
		return fmt.Errorf("portmapper: udp listen %s: %w", addr, err)
	}

	s.tcpListener = tcpL
	s.udpConn = udpConn

	s.wg.Add(2)
	go s.serveTCP(ctx)
	go s.serveUDP(ctx)
	s.logger.Info("portmapper listening", "addr", addr)
	return nil
}

// Stop closes the listeners and waits for the accept/receive loops to exit.
func (s *Server) Stop() {
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.wg.Wait()
}

func (s *Server) serveTCP(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosed(err) {
				return
			}
			s.logger.Warn("portmapper accept error", "error", err)
			continue
		}
		go s.handleTCPConn(conn)
	}
}

func (s *Server) handleTCPConn(conn net.Conn) {
	defer conn.Close()
	rm := rpcwire.NewRecordMarkingConn(conn, conn)
	for {
		record, err := rm.ReadRecord()
		if err != nil {
			return
		}
		reply, err := s.handleCall(record)
		if err != nil {
			s.logger.Debug("portmapper call error", "error", err)
			return
		}
		if err := rm.WriteRecord(reply); err != nil {
			return
		}
	}
}

func (s *Server) serveUDP(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 8192)
	for {
		n, remote, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosed(err) {
				return
			}
			s.logger.Warn("portmapper udp read error", "error", err)
			continue
		}
		reply, err := s.handleCall(append([]byte(nil), buf[:n]...))
		if err != nil {
			s.logger.Debug("portmapper udp call error", "error", err)
			continue
		}
		if _, err := s.udpConn.WriteToUDP(reply, remote); err != nil {
			s.logger.Warn("portmapper udp write error", "error", err)
		}
	}
}

func (s *Server) handleCall(data []byte) ([]byte, error) {
	hdr, args, err := rpcwire.DecodeCall(data)
	if err != nil {
		return nil, err
	}
	if hdr.Program != Program {
		return rpcwire.EncodeAcceptError(hdr.XID, rpcwire.ProgUnavail, 0, 0), nil
	}
	if hdr.Version != Version {
		return rpcwire.EncodeAcceptError(hdr.XID, rpcwire.ProgMismatch, Version, Version), nil
	}

	switch hdr.Proc {
	case ProcNull:
		return rpcwire.EncodeSuccess(hdr.XID, nil), nil
	case ProcGetPort:
		return rpcwire.EncodeSuccess(hdr.XID, s.encodeGetPort(args)), nil
	default:
		return rpcwire.EncodeAcceptError(hdr.XID, rpcwire.ProcUnavail, 0, 0), nil
	}
}

func (s *Server) encodeGetPort(args []byte) []byte {
	if len(args) < 16 {
		return encodePort(0)
	}
	program := binary.BigEndian.Uint32(args[0:4])
	// version and protocol are accepted without further discrimination;
	// only the program identity gates whether a port is returned.
	port := s.GetPort(program)
	return encodePort(port)
}

func encodePort(port uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], port)
	return buf[:]
}

func isClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
