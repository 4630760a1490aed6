package vxi11

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vxi11gw/vxi11gw/internal/rpcwire"
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
	"github.com/vxi11gw/vxi11gw/internal/xdr"
)

// Server accepts record-marked ONC-RPC connections and serves the
// DEVICE_CORE and DEVICE_ASYNC programs over them. Each connection gets its
// own goroutine; within a connection, requests are answered strictly in
// order, which is what VXI-11 client libraries assume.
type Server struct {
	engine *Engine
	logger *slog.Logger

	listener net.Listener
	connSeq  atomic.Uint64
	wg       sync.WaitGroup
}

// NewServer wires a Server to its engine.
func NewServer(engine *Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger}
}

// Listen binds the VXI-11 TCP listener on addr. Port 0 requests an
// OS-assigned port; Port reports the bound one either way.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("vxi11: listen %s: %w", addr, err)
	}
	s.listener = l
	s.engine.SetAbortPort(s.Port())
	s.logger.Info("vxi11 server listening", "addr", l.Addr().String())
	return nil
}

// Port reports the TCP port the server is bound to, 0 before Listen.
func (s *Server) Port() uint16 {
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// Serve accepts connections until the listener closes or ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			if isClosedErr(err) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting; in-flight connections drain via their own loops.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connID := s.connSeq.Add(1)
	// Transport drop implies destroying every link this connection created,
	// releasing their locks and hardware.
	defer s.engine.DestroyConn(connID)

	remote := conn.RemoteAddr().String()
	s.logger.Debug("client connected", "remote", remote)

	rm := rpcwire.NewRecordMarkingConn(conn, conn)
	for {
		record, err := rm.ReadRecord()
		if err != nil {
			s.logger.Debug("client disconnected", "remote", remote)
			return
		}
		reply := s.dispatch(ctx, connID, record)
		if reply == nil {
			continue
		}
		if err := rm.WriteRecord(reply); err != nil {
			s.logger.Debug("write to client failed", "remote", remote, "error", err)
			return
		}
	}
}

// dispatch decodes one RPC call and routes it by (program, version, proc).
func (s *Server) dispatch(ctx context.Context, connID uint64, record []byte) []byte {
	hdr, args, err := rpcwire.DecodeCall(record)
	if err != nil {
		s.logger.Debug("undecodable rpc message", "error", err)
		return nil
	}

	switch hdr.Program {
	case ProgramDeviceCore:
		if hdr.Version != ProgramVersion {
			return rpcwire.EncodeAcceptError(hdr.XID, rpcwire.ProgMismatch, ProgramVersion, ProgramVersion)
		}
		return s.dispatchCore(ctx, connID, hdr, args)
	case ProgramDeviceAsync:
		if hdr.Version != ProgramVersion {
			return rpcwire.EncodeAcceptError(hdr.XID, rpcwire.ProgMismatch, ProgramVersion, ProgramVersion)
		}
		return s.dispatchAsync(hdr, args)
	default:
		return rpcwire.EncodeAcceptError(hdr.XID, rpcwire.ProgUnavail, 0, 0)
	}
}

func (s *Server) dispatchCore(ctx context.Context, connID uint64, hdr rpcwire.CallHeader, args []byte) []byte {
	d := xdr.NewDecoder(args)

	switch hdr.Proc {
	case ProcCreateLink:
		p, err := DecodeCreateLinkParms(d)
		if err != nil {
			return encodeReply(hdr.XID, CreateLinkResp{Error: vxi11fault.SyntaxError})
		}
		return encodeReply(hdr.XID, s.engine.CreateLink(ctx, connID, p))

	case ProcDeviceWrite:
		p, err := DecodeDeviceWriteParms(d)
		if err != nil {
			return encodeReply(hdr.XID, DeviceWriteResp{Error: vxi11fault.SyntaxError})
		}
		return encodeReply(hdr.XID, s.engine.DeviceWrite(ctx, p))

	case ProcDeviceRead:
		p, err := DecodeDeviceReadParms(d)
		if err != nil {
			return encodeReply(hdr.XID, DeviceReadResp{Error: vxi11fault.SyntaxError})
		}
		return encodeReply(hdr.XID, s.engine.DeviceRead(ctx, p))

	case ProcDeviceReadStb:
		p, err := DecodeDeviceGenericParms(d)
		if err != nil {
			return encodeReply(hdr.XID, DeviceReadStbResp{Error: vxi11fault.SyntaxError})
		}
		return encodeReply(hdr.XID, s.engine.DeviceReadStb(p))

	case ProcDeviceTrigger, ProcDeviceClear, ProcDeviceRemote, ProcDeviceLocal:
		p, err := DecodeDeviceGenericParms(d)
		if err != nil {
			return encodeReply(hdr.XID, DeviceError{Error: vxi11fault.SyntaxError})
		}
		return encodeReply(hdr.XID, s.engine.DeviceGeneric(p))

	case ProcDeviceLock:
		p, err := DecodeDeviceLockParms(d)
		if err != nil {
			return encodeReply(hdr.XID, DeviceError{Error: vxi11fault.SyntaxError})
		}
		return encodeReply(hdr.XID, s.engine.DeviceLock(ctx, p))

	case ProcDeviceUnlock:
		p, err := DecodeDeviceLinkOnly(d)
		if err != nil {
			return encodeReply(hdr.XID, DeviceError{Error: vxi11fault.SyntaxError})
		}
		return encodeReply(hdr.XID, s.engine.DeviceUnlock(p))

	case ProcDestroyLink:
		p, err := DecodeDeviceLinkOnly(d)
		if err != nil {
			return encodeReply(hdr.XID, DeviceError{Error: vxi11fault.SyntaxError})
		}
		return encodeReply(hdr.XID, s.engine.DestroyLink(p))

	default:
		return rpcwire.EncodeAcceptError(hdr.XID, rpcwire.ProcUnavail, 0, 0)
	}
}

// dispatchAsync serves DEVICE_ASYNC: only device_abort is recognized, and
// with no cancellable in-flight operation tracking at this layer it simply
// succeeds.
func (s *Server) dispatchAsync(hdr rpcwire.CallHeader, args []byte) []byte {
	if hdr.Proc != ProcDeviceAbort {
		return rpcwire.EncodeAcceptError(hdr.XID, rpcwire.ProcUnavail, 0, 0)
	}
	d := xdr.NewDecoder(args)
	if _, err := DecodeDeviceAbortParms(d); err != nil {
		return encodeReply(hdr.XID, DeviceError{Error: vxi11fault.SyntaxError})
	}
	return encodeReply(hdr.XID, DeviceError{})
}

type encoder interface {
	Encode(*xdr.Encoder)
}

func encodeReply(xid uint32, result encoder) []byte {
	e := xdr.NewEncoder(64)
	result.Encode(e)
	return rpcwire.EncodeSuccess(xid, e.Bytes())
}

func isClosedErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
