package vxi11

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vxi11gw/vxi11gw/internal/adapter"
	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/resource"
	"github.com/vxi11gw/vxi11gw/internal/vxi11fault"
)

// VXI-11 program numbers.
const (
	ProgramDeviceCore  uint32 = 0x0607AF
	ProgramDeviceAsync uint32 = 0x0607B0
	ProgramDeviceIntr  uint32 = 0x0607B1

	ProgramVersion uint32 = 1
)

// DEVICE_CORE procedure numbers.
const (
	ProcCreateLink    uint32 = 10
	ProcDeviceWrite   uint32 = 11
	ProcDeviceRead    uint32 = 12
	ProcDeviceReadStb uint32 = 13
	ProcDeviceTrigger uint32 = 14
	ProcDeviceClear   uint32 = 15
	ProcDeviceRemote  uint32 = 16
	ProcDeviceLocal   uint32 = 17
	ProcDeviceLock    uint32 = 18
	ProcDeviceUnlock  uint32 = 19
	ProcDestroyLink   uint32 = 23
)

// ProcDeviceAbort is DEVICE_ASYNC's only procedure.
const ProcDeviceAbort uint32 = 1

const (
	// maxLinks bounds the registry; CREATE_LINK beyond it answers
	// OutOfResources.
	maxLinks = 1024

	// linkBufferLimit bounds each link's output buffer.
	linkBufferLimit = 64 << 10

	// defaultMaxRecvSize is advertised in Create_LinkResp when the server
	// was not configured otherwise.
	defaultMaxRecvSize = 1 << 20
)

// Link is one client session against one logical device. The adapter
// reference is pinned at CREATE_LINK from the configuration snapshot current
// at that moment; a reload never reconfigures a live link.
type Link struct {
	ID           int32
	Device       string
	ClientID     int32
	ConnID       uint64
	CreatedAt    time.Time
	resourceKey  string
	requiresLock bool
	writeTerm    string
	stripTerm    bool
	adapter      adapter.Adapter

	mu       sync.Mutex
	buf      []byte
	acquired bool
}

func (l *Link) key() string { return strconv.FormatInt(int64(l.ID), 10) }

// Engine is the link registry and DEVICE_CORE operation dispatcher. It
// resolves logical device names against the live configuration snapshot,
// issues link identifiers, enforces the exclusive-lock discipline, and
// routes I/O to adapters.
type Engine struct {
	store       *config.Store
	res         *resource.Manager
	logger      *slog.Logger
	abortPort   uint16
	maxRecvSize uint32

	mu     sync.Mutex
	links  map[int32]*Link
	nextID int32
}

// NewEngine builds an Engine over the configuration store. abortPort is
// reported to clients in Create_LinkResp as the DEVICE_ASYNC port.
func NewEngine(store *config.Store, res *resource.Manager, abortPort uint16, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		res:         res,
		logger:      logger,
		abortPort:   abortPort,
		maxRecvSize: defaultMaxRecvSize,
		links:       make(map[int32]*Link),
	}
}

// SetAbortPort records the DEVICE_ASYNC port once the listener is bound;
// links created afterwards advertise it.
func (e *Engine) SetAbortPort(port uint16) { e.abortPort = port }

// allocateID issues the next link id, skipping ids still present in the
// registry so a wrapped counter never collides with a live link.
func (e *Engine) allocateID() int32 {
	for {
		e.nextID++
		if e.nextID <= 0 {
			e.nextID = 1
		}
		if _, taken := e.links[e.nextID]; !taken {
			return e.nextID
		}
	}
}

// CreateLink resolves a device name, constructs its adapter (no hardware
// access), and registers a new link. With p.LockDevice set, the device lock
// is taken before the response is issued.
func (e *Engine) CreateLink(ctx context.Context, connID uint64, p CreateLinkParms) CreateLinkResp {
	doc := e.store.Current()
	dev, ok := doc.Devices[p.Device]
	if !ok {
		e.logger.Warn("create_link for unknown device", "device", p.Device)
		return CreateLinkResp{Error: vxi11fault.DeviceNotAccessible}
	}

	ad, err := adapter.New(p.Device, dev, doc.Mappings[p.Device], e.logger)
	if err != nil {
		e.logger.Error("adapter construction failed", "device", p.Device, "error", err)
		return CreateLinkResp{Error: vxi11fault.ParameterError}
	}
	if err := ad.Connect(); err != nil {
		return CreateLinkResp{Error: vxi11fault.As(err)}
	}

	e.mu.Lock()
	if len(e.links) >= maxLinks {
		e.mu.Unlock()
		return CreateLinkResp{Error: vxi11fault.OutOfResources}
	}
	link := &Link{
		ID:           e.allocateID(),
		Device:       p.Device,
		ClientID:     p.ClientID,
		ConnID:       connID,
		CreatedAt:    time.Now(),
		resourceKey:  adapter.ResourceKey(p.Device, dev),
		requiresLock: dev.EffectiveRequiresLock(),
		writeTerm:    dev.EffectiveWriteTermination(),
		stripTerm:    dev.Type != config.TransportLoopback,
		adapter:      ad,
	}
	e.links[link.ID] = link
	e.mu.Unlock()

	if p.LockDevice {
		deadline := lockDeadline(p.LockTimeout, true)
		if err := e.res.Lock(ctx, link.resourceKey, link.key(), deadline); err != nil {
			e.removeLink(link)
			return CreateLinkResp{Error: vxi11fault.DeviceLockedByAnotherLink}
		}
	}

	e.logger.Info("link created", "link_id", link.ID, "device", p.Device)
	return CreateLinkResp{
		LinkID:      link.ID,
		AbortPort:   e.abortPort,
		MaxRecvSize: e.maxRecvSize,
	}
}

func (e *Engine) lookup(linkID int32) (*Link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.links[linkID]
	return l, ok
}

func (e *Engine) removeLink(l *Link) {
	e.mu.Lock()
	delete(e.links, l.ID)
	e.mu.Unlock()
}

// lockDeadline translates a millisecond lock_timeout and the waitlock flag
// into the resource manager's deadline: non-waiters get an already-expired
// deadline so they fail immediately when the lock is busy.
func lockDeadline(timeoutMillis uint32, wait bool) time.Time {
	if !wait {
		return time.Now()
	}
	return time.Now().Add(time.Duration(timeoutMillis) * time.Millisecond)
}

// ioContext bounds one adapter I/O with the client-supplied io_timeout.
func ioContext(ctx context.Context, ioTimeoutMillis uint32) (context.Context, context.CancelFunc) {
	if ioTimeoutMillis == 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(ioTimeoutMillis)*time.Millisecond)
}

// ensureLockAndAcquire enforces the exclusive-access discipline ahead of an
// I/O operation: when the device requires locking, the caller must hold the
// lock or take it opportunistically now; the first I/O after the lock
// transition opens the hardware via Acquire.
func (e *Engine) ensureLockAndAcquire(ctx context.Context, l *Link, flags Flags, lockTimeout uint32) error {
	if l.requiresLock {
		owner := e.res.Owner(l.resourceKey)
		if owner != l.key() {
			deadline := lockDeadline(lockTimeout, flags&FlagWaitLock != 0)
			if err := e.res.Lock(ctx, l.resourceKey, l.key(), deadline); err != nil {
				return vxi11fault.Wrap(vxi11fault.DeviceLockedByAnotherLink, err)
			}
		}
	}

	l.mu.Lock()
	acquired := l.acquired
	l.mu.Unlock()
	if acquired {
		return nil
	}
	if err := l.adapter.Acquire(ctx); err != nil {
		// An unreachable device must not strand the lock it was opened
		// under.
		e.res.Unlock(l.resourceKey, l.key())
		return vxi11fault.Wrap(vxi11fault.IOError, err)
	}
	l.mu.Lock()
	l.acquired = true
	l.mu.Unlock()
	return nil
}

// DeviceWrite passes one command to the link's adapter, stripping the
// configured write termination first (the adapter applies its own policy on
// the wire).
func (e *Engine) DeviceWrite(ctx context.Context, p DeviceWriteParms) DeviceWriteResp {
	l, ok := e.lookup(p.LinkID)
	if !ok {
		return DeviceWriteResp{Error: vxi11fault.InvalidLinkIdentifier}
	}
	if uint32(len(p.Data)) > e.maxRecvSize {
		return DeviceWriteResp{Error: vxi11fault.ParameterError}
	}
	if err := e.ensureLockAndAcquire(ctx, l, p.Flags, p.LockTimeout); err != nil {
		return DeviceWriteResp{Error: vxi11fault.As(err)}
	}

	data := p.Data
	if l.stripTerm && l.writeTerm != "" && strings.HasSuffix(string(data), l.writeTerm) {
		data = data[:len(data)-len(l.writeTerm)]
	}

	ioCtx, cancel := ioContext(ctx, p.IOTimeout)
	defer cancel()
	if _, err := l.adapter.Write(ioCtx, data); err != nil {
		e.logger.Warn("device_write failed", "link_id", l.ID, "device", l.Device, "error", err)
		return DeviceWriteResp{Error: vxi11fault.As(err)}
	}
	return DeviceWriteResp{Size: uint32(len(p.Data))}
}

// DeviceRead drains the link's output buffer, issuing an adapter read first
// when the buffer is empty.
func (e *Engine) DeviceRead(ctx context.Context, p DeviceReadParms) DeviceReadResp {
	l, ok := e.lookup(p.LinkID)
	if !ok {
		return DeviceReadResp{Error: vxi11fault.InvalidLinkIdentifier}
	}
	if p.RequestSize == 0 {
		return DeviceReadResp{Error: vxi11fault.ParameterError}
	}
	if err := e.ensureLockAndAcquire(ctx, l, p.Flags, p.LockTimeout); err != nil {
		return DeviceReadResp{Error: vxi11fault.As(err)}
	}

	l.mu.Lock()
	buffered := len(l.buf)
	l.mu.Unlock()

	reason := Reason(0)
	if buffered == 0 {
		ioCtx, cancel := ioContext(ctx, p.IOTimeout)
		data, adReason, err := l.adapter.Read(ioCtx, int(p.RequestSize))
		cancel()
		if err != nil {
			return DeviceReadResp{Error: vxi11fault.As(err), Data: data}
		}
		reason = Reason(adReason)
		l.mu.Lock()
		l.buf = append(l.buf, data...)
		if len(l.buf) > linkBufferLimit {
			l.buf = l.buf[len(l.buf)-linkBufferLimit:]
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.buf)
	if n > int(p.RequestSize) {
		n = int(p.RequestSize)
	}
	out := l.buf[:n]

	if p.Flags&FlagTermChar != 0 {
		for i, b := range out {
			if b == p.TermChar {
				out = out[:i+1]
				reason |= ReasonTermCharSeen
				break
			}
		}
	}
	l.buf = l.buf[len(out):]

	if len(l.buf) > 0 {
		// More data remains; this read stopped because the client's
		// request size (or term char) was reached.
		reason &^= ReasonEndOfMessage
		if reason&ReasonTermCharSeen == 0 {
			reason |= ReasonRequestCountSatisfied
		}
	}
	return DeviceReadResp{Reason: reason, Data: out}
}

// DeviceLock takes the device's exclusive lock; the unlocked-to-locked
// transition opens the hardware.
func (e *Engine) DeviceLock(ctx context.Context, p DeviceLockParms) DeviceError {
	l, ok := e.lookup(p.LinkID)
	if !ok {
		return DeviceError{Error: vxi11fault.InvalidLinkIdentifier}
	}
	deadline := lockDeadline(p.LockTimeout, p.Flags&FlagWaitLock != 0)
	if err := e.res.Lock(ctx, l.resourceKey, l.key(), deadline); err != nil {
		return DeviceError{Error: vxi11fault.DeviceLockedByAnotherLink}
	}

	l.mu.Lock()
	acquired := l.acquired
	l.mu.Unlock()
	if !acquired {
		if err := l.adapter.Acquire(ctx); err != nil {
			e.res.Unlock(l.resourceKey, l.key())
			e.logger.Warn("acquire failed on lock", "link_id", l.ID, "device", l.Device, "error", err)
			return DeviceError{Error: vxi11fault.DeviceNotAccessible}
		}
		l.mu.Lock()
		l.acquired = true
		l.mu.Unlock()
	}
	return DeviceError{}
}

// DeviceUnlock releases the device lock and closes the hardware.
func (e *Engine) DeviceUnlock(p DeviceLinkOnly) DeviceError {
	l, ok := e.lookup(p.LinkID)
	if !ok {
		return DeviceError{Error: vxi11fault.InvalidLinkIdentifier}
	}
	if err := e.res.Unlock(l.resourceKey, l.key()); err != nil {
		return DeviceError{Error: vxi11fault.NoLockHeldByThisLink}
	}
	l.mu.Lock()
	l.acquired = false
	l.mu.Unlock()
	l.adapter.Release()
	return DeviceError{}
}

// DestroyLink releases every resource the link holds and removes it from
// the registry.
func (e *Engine) DestroyLink(p DeviceLinkOnly) DeviceError {
	l, ok := e.lookup(p.LinkID)
	if !ok {
		return DeviceError{Error: vxi11fault.InvalidLinkIdentifier}
	}
	e.destroy(l)
	return DeviceError{}
}

func (e *Engine) destroy(l *Link) {
	e.res.ReleaseAll(l.key())
	l.adapter.Release()
	l.adapter.Disconnect()
	e.removeLink(l)
	e.logger.Info("link destroyed", "link_id", l.ID, "device", l.Device)
}

// DestroyConn tears down every link created over one client connection;
// called when the transport drops so abandoned locks are released.
func (e *Engine) DestroyConn(connID uint64) {
	e.mu.Lock()
	var doomed []*Link
	for _, l := range e.links {
		if l.ConnID == connID {
			doomed = append(doomed, l)
		}
	}
	e.mu.Unlock()
	for _, l := range doomed {
		e.destroy(l)
	}
}

// DeviceReadStb answers a constant zero status byte: no backend here has a
// meaningful 488.1 status model to report.
func (e *Engine) DeviceReadStb(p DeviceGenericParms) DeviceReadStbResp {
	if _, ok := e.lookup(p.LinkID); !ok {
		return DeviceReadStbResp{Error: vxi11fault.InvalidLinkIdentifier}
	}
	return DeviceReadStbResp{STB: 0}
}

// DeviceGeneric handles device_trigger, device_clear, device_remote and
// device_local: adapters in this gateway have no out-of-band channel for
// them, and answering an error would break common client libraries that
// call device_clear on connect, so they succeed as no-ops.
func (e *Engine) DeviceGeneric(p DeviceGenericParms) DeviceError {
	if _, ok := e.lookup(p.LinkID); !ok {
		return DeviceError{Error: vxi11fault.InvalidLinkIdentifier}
	}
	return DeviceError{}
}

// LockOwners reports, per configured device name, the link id currently
// holding its lock (nil when unlocked). The admin lock inspection endpoint
// serves this verbatim.
func (e *Engine) LockOwners() map[string]*int32 {
	doc := e.store.Current()
	owners := make(map[string]*int32, len(doc.Devices))
	for name, dev := range doc.Devices {
		owners[name] = nil
		if owner := e.res.Owner(adapter.ResourceKey(name, dev)); owner != "" {
			if id, err := strconv.ParseInt(owner, 10, 32); err == nil {
				v := int32(id)
				owners[name] = &v
			}
		}
	}
	return owners
}

// LinkCount reports the number of live links.
func (e *Engine) LinkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.links)
}
