package vxi11

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vxi11gw/vxi11gw/internal/rpcwire"
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
	"github.com/vxi11gw/vxi11gw/internal/xdr"
)

// rpcClient is a minimal record-marked ONC-RPC caller, enough to act as a
// conforming VXI-11 client against the server under test.
type rpcClient struct {
	t    *testing.T
	conn net.Conn
	rm   *rpcwire.RecordMarkingConn
	xid  uint32
}

func dialRPC(t *testing.T, addr string) *rpcClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rpcClient{t: t, conn: conn, rm: rpcwire.NewRecordMarkingConn(conn, conn)}
}

// call issues (program, version, proc) with pre-encoded args and returns
// the XDR-encoded result payload of an accepted, successful reply.
func (c *rpcClient) call(program, version, proc uint32, args []byte) []byte {
	c.t.Helper()
	c.xid++
	e := xdr.NewEncoder(64 + len(args))
	e.PutUint32(c.xid)
	e.PutUint32(rpcwire.MsgCall)
	e.PutUint32(rpcwire.RPCVersion)
	e.PutUint32(program)
	e.PutUint32(version)
	e.PutUint32(proc)
	e.PutUint32(rpcwire.AuthNone) // credentials
	e.PutUint32(0)
	e.PutUint32(rpcwire.AuthNone) // verifier
	e.PutUint32(0)
	require.NoError(c.t, c.rm.WriteRecord(append(e.Bytes(), args...)))

	reply, err := c.rm.ReadRecord()
	require.NoError(c.t, err)

	d := xdr.NewDecoder(reply)
	xid, err := d.Uint32()
	require.NoError(c.t, err)
	require.Equal(c.t, c.xid, xid)
	msgType, _ := d.Uint32()
	require.Equal(c.t, rpcwire.MsgReply, msgType)
	replyStat, _ := d.Uint32()
	require.Equal(c.t, rpcwire.MsgAccepted, replyStat)
	d.Uint32() // verifier flavor
	d.Uint32() // verifier length
	acceptStat, _ := d.Uint32()
	require.Equal(c.t, rpcwire.Success, acceptStat)

	return reply[len(reply)-d.Remaining():]
}

// callExpectReject asserts the server answers with the given accept-status
// reject code instead of a result.
func (c *rpcClient) callExpectReject(program, version, proc uint32, wantStatus uint32) {
	c.t.Helper()
	c.xid++
	e := xdr.NewEncoder(64)
	e.PutUint32(c.xid)
	e.PutUint32(rpcwire.MsgCall)
	e.PutUint32(rpcwire.RPCVersion)
	e.PutUint32(program)
	e.PutUint32(version)
	e.PutUint32(proc)
	e.PutUint32(rpcwire.AuthNone)
	e.PutUint32(0)
	e.PutUint32(rpcwire.AuthNone)
	e.PutUint32(0)
	require.NoError(c.t, c.rm.WriteRecord(e.Bytes()))

	reply, err := c.rm.ReadRecord()
	require.NoError(c.t, err)
	d := xdr.NewDecoder(reply)
	d.Uint32() // xid
	d.Uint32() // msg type
	d.Uint32() // reply stat
	d.Uint32() // verifier flavor
	d.Uint32() // verifier length
	status, err := d.Uint32()
	require.NoError(c.t, err)
	require.Equal(c.t, wantStatus, status)
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	engine := testEngine(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(engine, logger)
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	addr, _ := srv.listener.Addr().(*net.TCPAddr)
	return srv, addr.String()
}

func encodeCreateLink(device string) []byte {
	e := xdr.NewEncoder(32)
	e.PutInt32(0)     // client id
	e.PutBool(false)  // lock device
	e.PutUint32(1000) // lock timeout
	e.PutString(device)
	return e.Bytes()
}

func TestServerLoopbackRoundTrip(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialRPC(t, addr)

	// create_link
	result := c.call(ProgramDeviceCore, ProgramVersion, ProcCreateLink, encodeCreateLink("echo"))
	d := xdr.NewDecoder(result)
	errCode, _ := d.Int32()
	require.Equal(t, int32(vxi11fault.NoError), errCode)
	linkID, _ := d.Int32()
	d.Uint32() // abort port
	maxRecv, _ := d.Uint32()
	require.Equal(t, uint32(1<<20), maxRecv)

	// device_write "hello\n"
	e := xdr.NewEncoder(64)
	e.PutInt32(linkID)
	e.PutUint32(1000) // io timeout
	e.PutUint32(1000) // lock timeout
	e.PutUint32(uint32(FlagEnd))
	e.PutOpaque([]byte("hello\n"))
	result = c.call(ProgramDeviceCore, ProgramVersion, ProcDeviceWrite, e.Bytes())
	d = xdr.NewDecoder(result)
	errCode, _ = d.Int32()
	require.Equal(t, int32(vxi11fault.NoError), errCode)
	size, _ := d.Uint32()
	require.Equal(t, uint32(6), size)

	// device_read
	e = xdr.NewEncoder(64)
	e.PutInt32(linkID)
	e.PutUint32(64)   // request size
	e.PutUint32(1000) // io timeout
	e.PutUint32(1000) // lock timeout
	e.PutUint32(0)    // flags
	e.PutInt32(0)     // term char
	result = c.call(ProgramDeviceCore, ProgramVersion, ProcDeviceRead, e.Bytes())
	d = xdr.NewDecoder(result)
	errCode, _ = d.Int32()
	require.Equal(t, int32(vxi11fault.NoError), errCode)
	reason, _ := d.Uint32()
	require.Equal(t, uint32(ReasonEndOfMessage), reason)
	data, err := d.Opaque()
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))

	// destroy_link
	e = xdr.NewEncoder(8)
	e.PutInt32(linkID)
	result = c.call(ProgramDeviceCore, ProgramVersion, ProcDestroyLink, e.Bytes())
	d = xdr.NewDecoder(result)
	errCode, _ = d.Int32()
	require.Equal(t, int32(vxi11fault.NoError), errCode)
}

func TestServerDeviceAbortAlwaysSucceeds(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialRPC(t, addr)

	e := xdr.NewEncoder(8)
	e.PutInt32(42)
	result := c.call(ProgramDeviceAsync, ProgramVersion, ProcDeviceAbort, e.Bytes())
	d := xdr.NewDecoder(result)
	errCode, _ := d.Int32()
	require.Equal(t, int32(vxi11fault.NoError), errCode)
}

func TestServerRejectCodes(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialRPC(t, addr)

	// Unknown program.
	c.callExpectReject(0x0607B1, 1, 1, rpcwire.ProgUnavail)
	// Known program, wrong version.
	c.callExpectReject(ProgramDeviceCore, 99, ProcCreateLink, rpcwire.ProgMismatch)
	// Known program, unknown procedure.
	c.callExpectReject(ProgramDeviceCore, ProgramVersion, 99, rpcwire.ProcUnavail)
}

func TestServerConnDropDestroysLinks(t *testing.T) {
	srv, addr := startTestServer(t)
	c := dialRPC(t, addr)

	result := c.call(ProgramDeviceCore, ProgramVersion, ProcCreateLink, encodeCreateLink("echo"))
	d := xdr.NewDecoder(result)
	errCode, _ := d.Int32()
	require.Equal(t, int32(vxi11fault.NoError), errCode)
	require.Equal(t, 1, srv.engine.LinkCount())

	c.conn.Close()
	require.Eventually(t, func() bool { return srv.engine.LinkCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
