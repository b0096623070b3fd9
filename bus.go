package asfw

import (
	"fmt"
	"sync"
	"time"

	"github.com/mrmidi/asfw/internal/arrx"
	"github.com/mrmidi/asfw/internal/atctx"
	"github.com/mrmidi/asfw/internal/completion"
	"github.com/mrmidi/asfw/internal/config"
	"github.com/mrmidi/asfw/internal/descriptor"
	"github.com/mrmidi/asfw/internal/diag"
	"github.com/mrmidi/asfw/internal/dma"
	"github.com/mrmidi/asfw/internal/generation"
	"github.com/mrmidi/asfw/internal/hwiface"
	"github.com/mrmidi/asfw/internal/label"
	"github.com/mrmidi/asfw/internal/logging"
	"github.com/mrmidi/asfw/internal/metrics"
	"github.com/mrmidi/asfw/internal/packet"
	"github.com/mrmidi/asfw/internal/respond"
	"github.com/mrmidi/asfw/internal/retry"
	"github.com/mrmidi/asfw/internal/ring"
	"github.com/mrmidi/asfw/internal/timeout"
	"github.com/mrmidi/asfw/internal/txtable"
)

// OHCI per-context register base offsets (spec.md §6's "OHCI register
// layout used (subset)").
const (
	RegBaseATRequest  = 0x180
	RegBaseATResponse = 0x1A0
	RegBaseARRequest  = 0x1C0
	RegBaseARResponse = 0x1E0
)

// LockOp is an IEEE-1394 Table 6-4 lock extended tCode.
type LockOp uint16

const (
	LockMaskSwap        LockOp = 1
	LockCompareSwap     LockOp = 2
	LockFetchAdd        LockOp = 3
	LockLittleAdd       LockOp = 4
	LockBoundedAdd      LockOp = 5
	LockWrapAdd         LockOp = 6
	LockVendorDependent LockOp = 7
)

// Callback is invoked exactly once per submitted transaction, carrying its
// terminal status and (for reads/locks) the response payload.
type Callback func(status error, response []byte)

// BusOps is the Bus-Ops Facade (spec.md §4.11): the single entry point
// upper protocol layers use to issue read/write/lock transactions and
// never blocks on hardware itself. Grounded on the teacher's root
// backend.go orchestration shape (construct every subsystem once, wire
// them together, expose typed non-blocking operations).
type BusOps struct {
	cfg     *config.Config
	hw      hwiface.HardwareInterface
	busInfo hwiface.BusInfo
	logger  *logging.Logger
	metrics *metrics.Metrics

	labels *label.Allocator
	table  *txtable.Table
	gen    *generation.Tracker
	speeds *retry.Tracker
	wheel  *timeout.Wheel
	policy retry.Policy

	atReqRing  *ring.Ring
	atRespRing *ring.Ring
	atReq      *atctx.Context
	atResp     *atctx.Context

	// AR Request/Response are plain DMA buffers rather than descriptor
	// rings: internal/arrx walks them as a flat byte stream (spec.md §4.5),
	// so there is no per-packet descriptor to build here — only the buffer
	// this controller DMAs inbound packets into and an IOVA for diagnostics.
	arReqBuf   []byte
	arReqIOVA  uint32
	arRespBuf  []byte
	arRespIOVA uint32

	router    *arrx.Router
	pktCtx    packet.Context
	responder *respond.Sender

	completion *completion.Engine

	localRequests LocalRequestHandler

	dmaMu  sync.Mutex
	dmaCtx map[txtable.Handle]*dma.Context

	// respDMAMu guards a small ring of local-response DMA buffers. A
	// locally-serviced read has no outstanding-table slot to key a release
	// on (the transaction that would retire it belongs to the remote
	// requester, not to us), so buffers are released in FIFO order once
	// enough newer responses have gone out that hardware can safely be
	// assumed to be long done reading them.
	respDMAMu  sync.Mutex
	respDMA    []*dma.Context

	lockMu    sync.Mutex
	lockCheck map[txtable.Handle]lockExpectation
}

// lockExpectation records what a CompareSwap lock expects its old-value
// response to equal, so the facade — not the caller — can surface
// LockCompareFail the way spec.md §7 describes ("opaque to engine,
// surfaced verbatim" for every other lock op, but CompareSwap's compare
// field is ours to check since we built the request).
type lockExpectation struct {
	op      LockOp
	compare uint32
}

// LocalRequestHandler services an inbound AR request addressed to this
// host (e.g. a peer reading Config-ROM) and returns the rCode and payload
// to answer with. This is deliberately a single pluggable seam rather than
// a full CSR register file — see DESIGN.md's scope decision.
type LocalRequestHandler interface {
	HandleLocalRequest(tCode uint16, addressHi uint16, addressLo uint32, payload []byte) (rcode uint8, response []byte)
}

// NewBusOps constructs a BusOps over hw/busInfo, allocating the AT Request
// and AT Response descriptor rings and the AR Request and AR Response DMA
// buffers, and binding every subsystem package together. This host's own
// node ID is read from busInfo.LocalNodeID().
func NewBusOps(cfg *config.Config, hw hwiface.HardwareInterface, busInfo hwiface.BusInfo, logger *logging.Logger) (*BusOps, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("asfw: NewBusOps: %w", err)
	}
	if logger == nil {
		logger = logging.NewLogger(nil)
	}

	atReqRing, err := newRing(hw, cfg.ATRequestRingCapacity)
	if err != nil {
		return nil, fmt.Errorf("asfw: NewBusOps: AT request ring: %w", err)
	}
	atRespRing, err := newRing(hw, cfg.ATResponseRingCapacity)
	if err != nil {
		return nil, fmt.Errorf("asfw: NewBusOps: AT response ring: %w", err)
	}

	arReqBuf, arReqIOVA, _, err := hw.AllocDMA(cfg.ARRequestRingCapacity*ring.DescriptorSize, hwiface.FromDevice)
	if err != nil {
		return nil, fmt.Errorf("asfw: NewBusOps: AR request buffer: %w", err)
	}
	arRespBuf, arRespIOVA, _, err := hw.AllocDMA(cfg.ARResponseRingCapacity*ring.DescriptorSize, hwiface.FromDevice)
	if err != nil {
		return nil, fmt.Errorf("asfw: NewBusOps: AR response buffer: %w", err)
	}

	localNode := busInfo.LocalNodeID()
	pktCtx := packet.Context{
		SourceNodeID: localNode,
		Generation:   busInfo.Generation(),
		SpeedCode:    uint8(SpeedS400),
	}

	b := &BusOps{
		cfg:        cfg,
		hw:         hw,
		busInfo:    busInfo,
		logger:     logger,
		metrics:    metrics.New(),
		labels:     label.New(),
		table:      txtable.New(cfg.OutstandingSlots),
		gen:        generation.New(),
		speeds:     retry.NewTracker(),
		wheel:      timeout.New(),
		policy:     policyFor(cfg.DefaultRetryPolicy),
		atReqRing:  atReqRing,
		atRespRing: atRespRing,
		arReqBuf:   arReqBuf,
		arReqIOVA:  arReqIOVA,
		arRespBuf:  arRespBuf,
		arRespIOVA: arRespIOVA,
		router:     arrx.NewRouter(),
		pktCtx:     pktCtx,
		completion: completion.New(completion.RequireBoth),
		dmaCtx:     make(map[txtable.Handle]*dma.Context),
		lockCheck:  make(map[txtable.Handle]lockExpectation),
	}

	b.atReq = atctx.New(atReqRing, hw, RegBaseATRequest)
	b.atResp = atctx.New(atRespRing, hw, RegBaseATResponse)
	b.responder = respond.New(atRespRing, b.atResp, pktCtx)

	b.router.RegisterResponseHandler(packet.TCodeWriteResponse, b.onARResponse)
	b.router.RegisterResponseHandler(packet.TCodeReadQuadletResp, b.onARResponse)
	b.router.RegisterResponseHandler(packet.TCodeReadBlockResp, b.onARResponse)
	b.router.RegisterResponseHandler(packet.TCodeLockResp, b.onARResponse)

	b.router.RegisterRequestHandler(arrx.TCodeWriteQuadletReq, b.onARRequest)
	b.router.RegisterRequestHandler(arrx.TCodeWriteBlockReq, b.onARRequest)
	b.router.RegisterRequestHandler(arrx.TCodeReadQuadletReq, b.onARRequest)
	b.router.RegisterRequestHandler(arrx.TCodeReadBlockReq, b.onARRequest)
	b.router.RegisterRequestHandler(arrx.TCodeLockReq, b.onARRequest)

	return b, nil
}

func newRing(hw hwiface.HardwareInterface, capacity int) (*ring.Ring, error) {
	bytes := capacity * ring.DescriptorSize
	hostVirt, iova, _, err := hw.AllocDMA(bytes, hwiface.Bidirectional)
	if err != nil {
		return nil, err
	}
	descs := make([]ring.OHCIDescriptor, capacity)
	r, err := ring.New(descs)
	if err != nil {
		return nil, err
	}
	if err := r.Finalize(uint64(iova)); err != nil {
		return nil, err
	}
	_ = hostVirt // the fake arena's backing bytes aren't used to store descriptors directly; real descriptors live in r's Go-typed storage and are marshaled to hostVirt at submit time by a real HardwareInterface's DMA glue.
	return r, nil
}

// SetLocalRequestHandler installs the handler used to answer inbound
// requests addressed to this host. A nil handler (the default) causes
// such requests to be silently dropped, matching internal/arrx's
// unregistered-tCode behavior.
func (b *BusOps) SetLocalRequestHandler(h LocalRequestHandler) {
	b.localRequests = h
}

// Metrics returns the facade's metrics collector, for a caller that wants
// to read a Snapshot() or register it behind an HTTP handler.
func (b *BusOps) Metrics() *metrics.Metrics { return b.metrics }

func policyFor(name config.RetryPolicyName) retry.Policy {
	switch name {
	case config.RetryPolicyReduced:
		return retry.Reduced
	case config.RetryPolicyNone:
		return retry.None
	case config.RetryPolicyIncreased:
		return retry.Increased
	default:
		return retry.Default
	}
}

func nowNanos() int64 { return time.Now().UnixNano() }

// ReadBlock reads len(addr..addr+length) bytes from node. speed of
// SpeedContextDefault uses this context's default speed.
func (b *BusOps) ReadBlock(gen Generation, node NodeID, addr FWAddress, length uint16, speed FwSpeed, cb Callback) AsyncHandle {
	return b.submitRead(gen, node, addr, length, speed, cb)
}

// ReadQuad is a thin wrapper over ReadBlock with length fixed at 4.
func (b *BusOps) ReadQuad(gen Generation, node NodeID, addr FWAddress, speed FwSpeed, cb Callback) AsyncHandle {
	return b.submitRead(gen, node, addr, 4, speed, cb)
}

func (b *BusOps) submitRead(gen Generation, node NodeID, addr FWAddress, length uint16, speed FwSpeed, cb Callback) AsyncHandle {
	if !b.checkGeneration(gen, cb) {
		return 0
	}

	start := nowNanos()
	slotLabel := b.labels.Allocate()
	if slotLabel == label.InvalidLabel {
		return 0
	}

	handle, ok := b.table.Register(uint8(node), slotLabel, uint8(gen), b.policy.MaxRetries, b.deadline(), b.wrapReadCallback(length, start, cb))
	if !ok {
		b.labels.Free(slotLabel)
		return 0
	}

	buildAndSubmit := func(speedCode uint8) error {
		ctx := b.pktCtx
		ctx.SpeedCode = resolveSpeedCode(speed, ctx.SpeedCode)
		if speedCode != 0xFF {
			ctx.SpeedCode = speedCode
		}
		var zBlocks uint8
		var buildErr error
		if length == 4 {
			zBlocks, buildErr = b.submitNoPayload(handle, 2, func(slots []ring.OHCIDescriptor) (uint8, error) {
				var header [packet.HeaderSizeNoData]byte
				params := packet.ReadParams{DestinationNode: uint16(node), AddressHigh: uint32(addr.AddressHi), AddressLow: addr.AddressLo, Length: length, SpeedCode: ctx.SpeedCode}
				if _, err := packet.BuildReadQuadlet(params, slotLabel, ctx, header[:]); err != nil {
					return 0, err
				}
				return descriptor.BuildNoPayloadChain(slots, header[:])
			})
		} else {
			zBlocks, buildErr = b.submitNoPayload(handle, 2, func(slots []ring.OHCIDescriptor) (uint8, error) {
				var header [packet.HeaderSizeBlock]byte
				params := packet.ReadParams{DestinationNode: uint16(node), AddressHigh: uint32(addr.AddressHi), AddressLow: addr.AddressLo, Length: length, SpeedCode: ctx.SpeedCode}
				if _, err := packet.BuildReadBlock(params, slotLabel, ctx, header[:]); err != nil {
					return 0, err
				}
				return descriptor.BuildNoPayloadChain(slots, header[:])
			})
		}
		_ = zBlocks
		return buildErr
	}

	b.setResubmit(handle, length, buildAndSubmit)

	if err := buildAndSubmit(0xFF); err != nil {
		b.abandon(handle, slotLabel, cb, WrapError("ReadBlock", err))
		return 0
	}
	b.arm(handle)
	return AsyncHandle(handle)
}

// WriteBlock writes data to node at addr.
func (b *BusOps) WriteBlock(gen Generation, node NodeID, addr FWAddress, data []byte, speed FwSpeed, cb Callback) AsyncHandle {
	return b.submitWrite(gen, node, addr, data, speed, cb)
}

// WriteQuad is a thin wrapper over WriteBlock requiring exactly 4 bytes.
func (b *BusOps) WriteQuad(gen Generation, node NodeID, addr FWAddress, data [4]byte, speed FwSpeed, cb Callback) AsyncHandle {
	return b.submitWrite(gen, node, addr, data[:], speed, cb)
}

func (b *BusOps) submitWrite(gen Generation, node NodeID, addr FWAddress, data []byte, speed FwSpeed, cb Callback) AsyncHandle {
	if !b.checkGeneration(gen, cb) {
		return 0
	}

	start := nowNanos()
	slotLabel := b.labels.Allocate()
	if slotLabel == label.InvalidLabel {
		return 0
	}

	var payload *dma.Context
	if len(data) > 4 {
		var err error
		payload, err = dma.Create(b.hw, data)
		if err != nil {
			b.labels.Free(slotLabel)
			return 0
		}
	}

	handle, ok := b.table.Register(uint8(node), slotLabel, uint8(gen), b.policy.MaxRetries, b.deadline(), b.wrapWriteCallback(len(data), start, cb))
	if !ok {
		b.labels.Free(slotLabel)
		if payload != nil {
			payload.Release()
		}
		return 0
	}
	if payload != nil {
		b.setDMA(handle, payload)
	}

	buildAndSubmit := func(speedCode uint8) error {
		ctx := b.pktCtx
		ctx.SpeedCode = resolveSpeedCode(speed, ctx.SpeedCode)
		if speedCode != 0xFF {
			ctx.SpeedCode = speedCode
		}
		if len(data) == 4 {
			_, err := b.submitNoPayload(handle, 2, func(slots []ring.OHCIDescriptor) (uint8, error) {
				var header [packet.HeaderSizeQuadlet]byte
				params := packet.WriteParams{DestinationNode: uint16(node), AddressHigh: uint32(addr.AddressHi), AddressLow: addr.AddressLo, Payload: data}
				if _, err := packet.BuildWriteQuadlet(params, slotLabel, ctx, header[:]); err != nil {
					return 0, err
				}
				return descriptor.BuildNoPayloadChain(slots, header[:])
			})
			return err
		}
		_, err := b.submitNoPayload(handle, 3, func(slots []ring.OHCIDescriptor) (uint8, error) {
			var header [packet.HeaderSizeBlock]byte
			params := packet.WriteParams{DestinationNode: uint16(node), AddressHigh: uint32(addr.AddressHi), AddressLow: addr.AddressLo, Payload: data}
			if _, err := packet.BuildWriteBlock(params, slotLabel, ctx, header[:]); err != nil {
				return 0, err
			}
			return descriptor.BuildPayloadChain(slots, header[:], payload.DeviceAddress(), len(data))
		})
		return err
	}

	b.setResubmit(handle, 0, buildAndSubmit)

	if err := buildAndSubmit(0xFF); err != nil {
		b.abandon(handle, slotLabel, cb, WrapError("WriteBlock", err))
		return 0
	}
	b.arm(handle)
	return AsyncHandle(handle)
}

// Lock issues a lock-class transaction (spec.md §4.11). operand is the
// request's payload: for CompareSwap, 8 bytes (compare value followed by
// swap value); other ops carry whatever operand width their extended
// tCode defines. respLen is the expected response payload length.
func (b *BusOps) Lock(gen Generation, node NodeID, addr FWAddress, op LockOp, operand []byte, respLen uint16, speed FwSpeed, cb Callback) AsyncHandle {
	if !b.checkGeneration(gen, cb) {
		return 0
	}
	if len(operand) == 0 {
		return 0
	}

	start := nowNanos()
	slotLabel := b.labels.Allocate()
	if slotLabel == label.InvalidLabel {
		return 0
	}

	payload, err := dma.Create(b.hw, operand)
	if err != nil {
		b.labels.Free(slotLabel)
		return 0
	}

	handle, ok := b.table.Register(uint8(node), slotLabel, uint8(gen), b.policy.MaxRetries, b.deadline(), b.wrapLockCallback(start, cb))
	if !ok {
		b.labels.Free(slotLabel)
		payload.Release()
		return 0
	}
	b.setDMA(handle, payload)
	b.setResubmit(handle, respLen, func(speedCode uint8) error {
		return b.buildLock(handle, node, addr, op, slotLabel, uint16(len(operand)), payload.DeviceAddress(), speed, speedCode)
	})

	if op == LockCompareSwap && len(operand) >= 4 {
		b.lockMu.Lock()
		b.lockCheck[handle] = lockExpectation{op: op, compare: beUint32(operand[0:4])}
		b.lockMu.Unlock()
	}

	if err := b.buildLock(handle, node, addr, op, slotLabel, uint16(len(operand)), payload.DeviceAddress(), speed, 0xFF); err != nil {
		b.abandon(handle, slotLabel, cb, WrapError("Lock", err))
		return 0
	}
	b.arm(handle)
	return AsyncHandle(handle)
}

func (b *BusOps) buildLock(handle txtable.Handle, node NodeID, addr FWAddress, op LockOp, slotLabel uint8, operandLen uint16, payloadIOVA uint32, speed FwSpeed, speedCode uint8) error {
	ctx := b.pktCtx
	ctx.SpeedCode = resolveSpeedCode(speed, ctx.SpeedCode)
	if speedCode != 0xFF {
		ctx.SpeedCode = speedCode
	}
	_, err := b.submitNoPayload(handle, 3, func(slots []ring.OHCIDescriptor) (uint8, error) {
		var header [packet.HeaderSizeBlock]byte
		params := packet.LockParams{DestinationNode: uint16(node), AddressHigh: uint32(addr.AddressHi), AddressLow: addr.AddressLo, Length: operandLen, ExtendedTCode: uint16(op), SpeedCode: ctx.SpeedCode}
		if _, err := packet.BuildLock(params, slotLabel, ctx, header[:]); err != nil {
			return 0, err
		}
		return descriptor.BuildPayloadChain(slots, header[:], payloadIOVA, int(operandLen))
	})
	return err
}

// submitNoPayload reserves zBlocks slots in the AT request ring, builds
// the chain via build, and submits it.
func (b *BusOps) submitNoPayload(handle txtable.Handle, zBlocks uint8, build func(slots []ring.OHCIDescriptor) (uint8, error)) (uint8, error) {
	start, err := b.atReq.ReserveSlots(zBlocks)
	if err != nil {
		return 0, &Error{Op: "Submit", Code: ErrCodeRingFull, Msg: "AT request ring full", Inner: err}
	}
	slots := b.atReqRing.Storage()[start : start+int(zBlocks)]
	z, err := build(slots)
	if err != nil {
		return 0, err
	}
	if err := b.atReq.SubmitChain(start, z); err != nil {
		return 0, err
	}
	return z, nil
}

func resolveSpeedCode(requested FwSpeed, contextDefault uint8) uint8 {
	if requested == SpeedContextDefault {
		return contextDefault
	}
	return uint8(requested)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (b *BusOps) checkGeneration(gen Generation, cb Callback) bool {
	if b.gen.IsStale(uint8(gen)) || b.gen.ResetInProgress() {
		if cb != nil {
			cb(NewError("Submit", ErrCodeStaleGeneration, "submit generation is stale or a bus reset is in progress"), nil)
		}
		return false
	}
	return true
}

func (b *BusOps) deadline() int64 {
	return nowNanos() + int64(b.cfg.TimeoutDefaultMs)*int64(time.Millisecond)
}

func (b *BusOps) arm(handle txtable.Handle) {
	slot, unlock, ok := b.table.Lookup(handle)
	if !ok {
		return
	}
	slot.State = txtable.StateATPosted
	deadline := slot.DeadlineNanos
	unlock()
	b.wheel.Schedule(nowNanos(), deadline, timeout.ID(handle))
}

func (b *BusOps) setResubmit(handle txtable.Handle, expectedLength uint16, fn func(speedCode uint8) error) {
	slot, unlock, ok := b.table.Lookup(handle)
	if !ok {
		return
	}
	slot.ExpectedLength = expectedLength
	slot.Resubmit = fn
	unlock()
}

func (b *BusOps) setDMA(handle txtable.Handle, ctx *dma.Context) {
	b.dmaMu.Lock()
	b.dmaCtx[handle] = ctx
	b.dmaMu.Unlock()
}

func (b *BusOps) takeDMA(handle txtable.Handle) *dma.Context {
	b.dmaMu.Lock()
	ctx := b.dmaCtx[handle]
	delete(b.dmaCtx, handle)
	b.dmaMu.Unlock()
	return ctx
}

// wrapReadCallback records a read-class metrics sample (bytes transferred,
// latency since submit) immediately before handing the result to the
// caller's own callback.
func (b *BusOps) wrapReadCallback(length uint16, start int64, cb Callback) func(error, []byte) {
	return func(err error, payload []byte) {
		b.metrics.RecordRead(uint64(length), uint64(nowNanos()-start), err)
		if cb != nil {
			cb(err, payload)
		}
	}
}

// wrapWriteCallback is wrapReadCallback's write-class counterpart.
func (b *BusOps) wrapWriteCallback(length int, start int64, cb Callback) func(error, []byte) {
	return func(err error, payload []byte) {
		b.metrics.RecordWrite(uint64(length), uint64(nowNanos()-start), err)
		if cb != nil {
			cb(err, payload)
		}
	}
}

// wrapLockCallback is wrapReadCallback's lock-class counterpart (lock
// transactions have no bytes-transferred metric, only latency/error).
func (b *BusOps) wrapLockCallback(start int64, cb Callback) func(error, []byte) {
	return func(err error, payload []byte) {
		b.metrics.RecordLock(uint64(nowNanos()-start), err)
		if cb != nil {
			cb(err, payload)
		}
	}
}

// abandon releases a slot that failed before ever reaching hardware
// (header build or ring-full failure). A ring-full failure is bus-level:
// the caller only sees AsyncHandle(0) and no callback runs. Any other
// failure is reported to the caller's callback synchronously.
func (b *BusOps) abandon(handle txtable.Handle, slotLabel uint8, cb Callback, err error) {
	if dmaCtx := b.takeDMA(handle); dmaCtx != nil {
		dmaCtx.Release()
	}
	b.lockMu.Lock()
	delete(b.lockCheck, handle)
	b.lockMu.Unlock()
	b.labels.Free(slotLabel)
	b.table.Release(handle)
	if cb != nil && !IsCode(err, ErrCodeRingFull) {
		cb(err, nil)
	}
}

// Cancel implements spec.md §5's cancellation contract: it only flips the
// slot to Aborted and returns whether it did so. The callback is invoked
// later, by whichever path next observes the transaction (AT completion,
// AR response, or timeout) — the AT descriptor was already submitted to
// hardware by the time a caller can reach Cancel, so hardware (or, failing
// that, the timeout wheel) is guaranteed to eventually observe it.
func (b *BusOps) Cancel(handle AsyncHandle) bool {
	slot, unlock, ok := b.table.Lookup(txtable.Handle(handle))
	if !ok {
		return false
	}
	defer unlock()
	if isTerminalState(slot.State) {
		return false
	}
	slot.State = txtable.StateAborted
	return true
}

func isTerminalState(s txtable.SlotState) bool {
	switch s {
	case txtable.StateCompleted, txtable.StateTimedOut, txtable.StateAborted, txtable.StateStale, txtable.StateFailed:
		return true
	default:
		return false
	}
}

// finish is the single terminal path every transaction funnels through:
// cancel its timeout, invoke the caller's callback while the handle is
// still valid, then release the label, DMA buffer, and table slot —
// matching spec.md §8 invariant 2's "valid until the callback returns,
// then invalid forever after".
func (b *BusOps) finish(handle txtable.Handle, cb func(error, []byte), err error, payload []byte) {
	b.wheel.Cancel(timeout.ID(handle))
	if cb != nil {
		cb(err, payload)
	}
	if dmaCtx := b.takeDMA(handle); dmaCtx != nil {
		dmaCtx.Release()
	}
	b.lockMu.Lock()
	delete(b.lockCheck, handle)
	b.lockMu.Unlock()
	if slot, unlock, ok := b.table.Lookup(handle); ok {
		b.labels.Free(slot.Label)
		unlock()
	}
	b.table.Release(handle)
}

// HandleATCompletion processes one AT request descriptor's ack/event
// code, scanned by the caller from the ring's StatusWord after an
// AT-complete interrupt (spec.md's IRQ-driven completion path). node and
// tLabel identify which outstanding slot the completed chain belongs to.
func (b *BusOps) HandleATCompletion(node uint8, tLabel uint8, ack completion.AckEvent) {
	handle, ok := b.table.LookupByLabel(node, tLabel)
	if !ok {
		return
	}
	b.onATComplete(handle, ack)
}

func (b *BusOps) onATComplete(handle txtable.Handle, ack completion.AckEvent) {
	slot, unlock, ok := b.table.Lookup(handle)
	if !ok {
		return
	}
	if slot.State == txtable.StateAborted {
		cb := slot.Callback
		unlock()
		b.finish(handle, cb, NewError("Submit", ErrCodeAborted, "canceled"), nil)
		return
	}

	outcome := b.completion.OnAT(ack)
	switch outcome.Ack {
	case completion.ResultHardwareError:
		cb := slot.Callback
		unlock()
		b.finish(handle, cb, NewError("Submit", ErrCodeHardwareError, "AT descriptor reported a hardware error"), nil)
	case completion.ResultRetryBusy, completion.ResultSpeedFallback, completion.ResultRetryTimeout:
		node, retriesLeft, resubmit, cb := slot.Node, slot.RetriesLeft, slot.Resubmit, slot.Callback
		unlock()
		b.retryOrFail(handle, node, reasonFor(outcome.Ack), retriesLeft, resubmit, cb)
	default:
		slot.State = mapCompletionState(outcome.NextState)
		unlock()
	}
}

// onARResponse is registered with internal/arrx's Router for every
// response tCode; it matches the response back to its outstanding slot
// by (sourceID&0x3F, tLabel) and drives the slot to completion.
func (b *BusOps) onARResponse(header, payload []byte, tCode, sourceID, destID uint16, tLabel uint8, rCode uint8) {
	node := uint8(sourceID & 0x3F)
	handle, ok := b.table.LookupByLabel(node, tLabel)
	if !ok {
		return
	}
	slot, unlock, ok := b.table.Lookup(handle)
	if !ok {
		return
	}
	if slot.State == txtable.StateAborted {
		cb := slot.Callback
		unlock()
		b.finish(handle, cb, NewError("Submit", ErrCodeAborted, "canceled"), nil)
		return
	}

	expected := slot.ExpectedLength
	nodeID, retriesLeft, resubmit, cb := slot.Node, slot.RetriesLeft, slot.Resubmit, slot.Callback
	unlock()

	switch completion.ClassifyRCode(completion.RCode(rCode)) {
	case completion.OutcomeComplete:
		if int(expected) > 0 && len(payload) < int(expected) {
			b.finish(handle, cb, NewError("Submit", ErrCodeShortRead, "response payload shorter than expected"), nil)
			return
		}
		respCopy := append([]byte(nil), payload...)
		if lockErr := b.checkLockCompare(handle, respCopy); lockErr != nil {
			b.finish(handle, cb, lockErr, respCopy)
			return
		}
		b.finish(handle, cb, nil, respCopy)
	case completion.OutcomeSpeedFallback:
		b.retryOrFail(handle, nodeID, retry.ReasonTypeError, retriesLeft, resubmit, cb)
	default:
		b.finish(handle, cb, NewError("Submit", ErrCodeHardwareError, fmt.Sprintf("response rCode 0x%x", rCode)), nil)
	}
}

// checkLockCompare surfaces LockCompareFail for a CompareSwap lock whose
// returned old value doesn't match the compare operand — opaque to every
// other lock op (spec.md §7), but CompareSwap's semantics are known to us
// since we built the request.
func (b *BusOps) checkLockCompare(handle txtable.Handle, response []byte) error {
	b.lockMu.Lock()
	expectation, ok := b.lockCheck[handle]
	b.lockMu.Unlock()
	if !ok || expectation.op != LockCompareSwap || len(response) < 4 {
		return nil
	}
	if beUint32(response[0:4]) != expectation.compare {
		return NewError("Lock", ErrCodeLockCompareFail, "compare-swap old value did not match compare operand")
	}
	return nil
}

// onARRequest answers an inbound request addressed to this host via the
// installed LocalRequestHandler, or drops it silently if none is set.
func (b *BusOps) onARRequest(header, payload []byte, tCode, sourceID, destID uint16, tLabel uint8) {
	if b.localRequests == nil {
		return
	}
	addrHi, addrLo := extractAddress(header)
	rcode, response := b.localRequests.HandleLocalRequest(tCode, addrHi, addrLo, payload)

	req := respond.Request{SourceNode: sourceID & 0x3F, TLabel: tLabel, DestID: destID}
	switch tCode {
	case uint16(packet.TCodeWriteQuadlet), uint16(packet.TCodeWriteBlock):
		_ = b.responder.SendWriteResponse(req, rcode)
	case uint16(packet.TCodeReadQuadlet):
		var data uint32
		if len(response) >= 4 {
			data = beUint32(response[0:4])
		}
		_ = b.responder.SendReadQuadletResponse(req, rcode, data)
	case uint16(packet.TCodeReadBlock):
		if rcode == 0 && len(response) > 0 {
			respDMA, err := dma.Create(b.hw, response)
			if err != nil {
				_ = b.responder.SendReadBlockResponse(req, uint8(completion.RCodeDataError), 0, nil)
				return
			}
			b.retainRespDMA(respDMA)
			_ = b.responder.SendReadBlockResponse(req, rcode, respDMA.DeviceAddress(), response)
			return
		}
		_ = b.responder.SendReadBlockResponse(req, rcode, 0, nil)
	}
}

// retainRespDMA keeps respDMA alive until respDMARetain newer local
// responses have gone out behind it, then releases it.
func (b *BusOps) retainRespDMA(ctx *dma.Context) {
	const respDMARetain = 32
	b.respDMAMu.Lock()
	defer b.respDMAMu.Unlock()
	b.respDMA = append(b.respDMA, ctx)
	for len(b.respDMA) > respDMARetain {
		b.respDMA[0].Release()
		b.respDMA = b.respDMA[1:]
	}
}

func extractAddress(header []byte) (hi uint16, lo uint32) {
	if len(header) < 12 {
		return 0, 0
	}
	q1 := uint32(header[4]) | uint32(header[5])<<8 | uint32(header[6])<<16 | uint32(header[7])<<24
	q2 := uint32(header[8]) | uint32(header[9])<<8 | uint32(header[10])<<16 | uint32(header[11])<<24
	return uint16(q1 & 0xFFFF), q2
}

// Advance ticks the timeout wheel forward and processes every expired
// transaction, failing each with Timeout or resubmitting it per the
// active retry policy. Callers drive this off a real clock (e.g. a
// time.Ticker at the wheel's resolution); tests may call it directly with
// successive timestamps.
func (b *BusOps) Advance(nowNs int64) {
	for _, id := range b.wheel.Advance(nowNs) {
		b.onTimeout(txtable.Handle(id))
	}
}

func (b *BusOps) onTimeout(handle txtable.Handle) {
	slot, unlock, ok := b.table.Lookup(handle)
	if !ok {
		return
	}
	if slot.State == txtable.StateAborted {
		cb := slot.Callback
		unlock()
		b.finish(handle, cb, NewError("Submit", ErrCodeAborted, "canceled"), nil)
		return
	}
	node, retriesLeft, resubmit, cb := slot.Node, slot.RetriesLeft, slot.Resubmit, slot.Callback
	unlock()
	b.retryOrFail(handle, node, retry.ReasonTimeout, retriesLeft, resubmit, cb)
}

// retryOrFail applies the active retry policy for reason and either
// rebuilds and resends the transaction at the decided speed (updating its
// deadline and rearming the timeout wheel) or fails it terminally.
func (b *BusOps) retryOrFail(handle txtable.Handle, node uint8, reason retry.Reason, retriesLeft int, resubmit func(uint8) error, cb func(error, []byte)) {
	decision := retry.Apply(b.policy, reason, uint16(node), b.speeds, retriesLeft)
	if !decision.Retry {
		b.finish(handle, cb, NewError("Submit", codeForReason(reason), "retries exhausted"), nil)
		return
	}
	b.metrics.RecordRetry()
	if reason == retry.ReasonTypeError {
		b.metrics.RecordSpeedFallback()
	}
	if resubmit == nil {
		b.finish(handle, cb, NewError("Submit", codeForReason(reason), "no resubmit bound"), nil)
		return
	}
	if decision.Delay > 0 {
		time.Sleep(decision.Delay)
	}
	if err := resubmit(uint8(decision.Speed)); err != nil {
		b.finish(handle, cb, WrapError("Submit", err), nil)
		return
	}
	if slot, unlock, ok := b.table.Lookup(handle); ok {
		slot.RetriesLeft = decision.RetriesLeft
		slot.DeadlineNanos = b.deadline()
		deadline := slot.DeadlineNanos
		unlock()
		b.wheel.Schedule(nowNanos(), deadline, timeout.ID(handle))
	}
}

func reasonFor(ack completion.AckResult) retry.Reason {
	switch ack {
	case completion.ResultRetryBusy:
		return retry.ReasonBusy
	case completion.ResultSpeedFallback:
		return retry.ReasonTypeError
	case completion.ResultRetryTimeout:
		return retry.ReasonTimeout
	default:
		return retry.ReasonHardwareError
	}
}

func codeForReason(reason retry.Reason) TxErrorCode {
	switch reason {
	case retry.ReasonBusy:
		return ErrCodeBusyRetryExhausted
	case retry.ReasonTimeout:
		return ErrCodeTimeout
	default:
		return ErrCodeHardwareError
	}
}

func mapCompletionState(s completion.State) txtable.SlotState {
	switch s {
	case completion.StateATPosted:
		return txtable.StateATPosted
	case completion.StateATCompleted:
		return txtable.StateATCompleted
	case completion.StateAwaitingAR:
		return txtable.StateAwaitingAR
	case completion.StateARReceived:
		return txtable.StateARReceived
	case completion.StateCompleted:
		return txtable.StateCompleted
	default:
		return txtable.StateATPosted
	}
}

// ARRequestBuffer returns the host-visible AR Request DMA buffer the
// controller writes inbound request packets into. Callers drive the
// hardware's own arm/advance sequence for this context; once an interrupt
// reports new bytes, pass this slice (or the filled prefix of it) to
// RouteARRequestBuffer.
func (b *BusOps) ARRequestBuffer() []byte { return b.arReqBuf }

// ARResponseBuffer is ARRequestBuffer's AR Response counterpart.
func (b *BusOps) ARResponseBuffer() []byte { return b.arRespBuf }

// RouteARRequestBuffer feeds one freshly-DMA'd AR Request buffer through
// the router, dispatching any inbound request to the installed
// LocalRequestHandler.
func (b *BusOps) RouteARRequestBuffer(buf []byte) {
	b.router.RoutePacket(buf)
}

// RouteARResponseBuffer feeds one freshly-DMA'd AR Response buffer
// through the router, completing any outstanding transaction it answers.
func (b *BusOps) RouteARResponseBuffer(buf []byte) {
	b.router.RoutePacket(buf)
}

// BumpGeneration advances the bus generation and invalidates every
// outstanding transaction stamped with the now-stale generation
// (spec.md §4.10). After each invalidated transaction's callback has run,
// its label, payload DMA buffer and compare-swap check are released here,
// since this path does not go through finish. Slots' own wheel entries are
// left armed: a stale handle's generation tag changes on Release, so a late
// timeout firing against the old handle will simply fail Lookup and no-op.
func (b *BusOps) BumpGeneration(newGeneration Generation) {
	stale := make(map[txtable.Handle]uint8)
	b.table.ForEach(func(h txtable.Handle, s *txtable.Slot) {
		if s.BusGeneration != uint8(newGeneration) {
			stale[h] = s.Label
		}
	})
	b.gen.Bump(uint8(newGeneration), b.table, NewError("Submit", ErrCodeStaleGeneration, "bus generation advanced past this transaction"))
	for h, slotLabel := range stale {
		if dmaCtx := b.takeDMA(h); dmaCtx != nil {
			dmaCtx.Release()
		}
		b.lockMu.Lock()
		delete(b.lockCheck, h)
		b.lockMu.Unlock()
		b.labels.Free(slotLabel)
	}
}

// CurrentGeneration returns the bus generation the facade currently
// accepts submissions under.
func (b *BusOps) CurrentGeneration() Generation {
	return Generation(b.gen.Current())
}

// Diagnostics captures a point-in-time snapshot of every subsystem's state
// (spec.md §4.12), computed on demand rather than maintained incrementally.
func (b *BusOps) Diagnostics() diag.Snapshot {
	rings := diag.Rings{
		ATRequest:      b.atReqRing,
		ATRequestIOVA:  atRingIOVA(b.atReqRing),
		ATResponse:     b.atRespRing,
		ATResponseIOVA: atRingIOVA(b.atRespRing),
	}
	buffers := diag.Buffers{
		ARRequestIOVA:   uint64(b.arReqIOVA),
		ARRequestCount:  1,
		ARRequestSize:   uint32(len(b.arReqBuf)),
		ARResponseIOVA:  uint64(b.arRespIOVA),
		ARResponseCount: 1,
		ARResponseSize:  uint32(len(b.arRespBuf)),
	}
	return diag.Capture(rings, buffers, b.labels, b.table, b.gen, b.speeds)
}

func atRingIOVA(r *ring.Ring) uint64 {
	cmdPtr, err := r.CommandPtrWordTo(0, 2)
	if err != nil {
		return 0
	}
	return uint64(cmdPtr &^ 0xF)
}
