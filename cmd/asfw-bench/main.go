// Command asfw-bench is a scripted demo driver for the async transaction
// engine: it wires internal/hwfake's fake hardware to a BusOps, answers a
// handful of inbound requests locally, drives a batch of outbound
// transactions through the timeout/retry path (there being no real remote
// peer to answer them), and prints a diagnostics/metrics summary.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	asfw "github.com/mrmidi/asfw"
	"github.com/mrmidi/asfw/internal/arrx"
	"github.com/mrmidi/asfw/internal/config"
	"github.com/mrmidi/asfw/internal/hwfake"
	"github.com/mrmidi/asfw/internal/logging"
)

func main() {
	var (
		node    = flag.Int("node", 2, "target node ID for the outbound benchmark batch")
		reads   = flag.Int("reads", 64, "number of outbound read-block transactions to submit")
		writes  = flag.Int("writes", 64, "number of outbound write-block transactions to submit")
		locks   = flag.Int("locks", 16, "number of outbound lock transactions to submit")
		cpu     = flag.Int("cpu", -1, "pin the advance loop to this CPU (-1 disables pinning)")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	hw, err := hwfake.New()
	if err != nil {
		log.Fatalf("asfw-bench: hwfake.New: %v", err)
	}
	defer hw.Close()

	busInfo := hwfake.NewBusInfo()
	busInfo.SetLocalNodeID(0)
	busInfo.SetGeneration(1)

	cfg := config.DefaultConfig()
	cfg.TimeoutDefaultMs = 5
	cfg.DefaultRetryPolicy = config.RetryPolicyNone

	bus, err := asfw.NewBusOps(cfg, hw, busInfo, logger)
	if err != nil {
		log.Fatalf("asfw-bench: NewBusOps: %v", err)
	}

	regs := newRegisterFile()
	bus.SetLocalRequestHandler(regs)

	logger.Info("answering a local write-quadlet then read-quadlet over the AR request path")
	demoLocalRequests(bus, logger)

	logger.Info("submitting outbound batch", "reads", *reads, "writes", *writes, "locks", *locks, "node", *node)
	start := time.Now()
	outstanding, cancelHandle := submitBatch(bus, uint8(*node), *reads, *writes, *locks)

	if cancelHandle != 0 {
		if bus.Cancel(cancelHandle) {
			logger.Info("canceled one in-flight read before it could complete")
		}
	}

	drainWithSignalHandling(bus, outstanding, *cpu, logger)
	elapsed := time.Since(start)

	// A generation bump after the batch drains demonstrates the cancel-all
	// sweep on a freshly submitted, still-outstanding transaction.
	staleHandle := bus.ReadQuad(bus.CurrentGeneration(), asfw.NodeID(*node), asfw.FWAddress{AddressHi: 0xFFFF, AddressLo: 0xF0000404}, asfw.SpeedS400, func(status error, _ []byte) {
		logger.Info("post-bump transaction resolved", "error", status)
	})
	bus.BumpGeneration(bus.CurrentGeneration() + 1)
	_ = staleHandle

	printSummary(bus, elapsed, logger)
}

// registerFile is a tiny in-memory CSR stand-in answering local reads/writes
// the way a real node would service a peer's Config-ROM or register access;
// see DESIGN.md's LocalRequestHandler scope decision for why this engine
// doesn't model a full CSR file itself.
type registerFile struct {
	values map[uint32]uint32
}

func newRegisterFile() *registerFile {
	return &registerFile{values: make(map[uint32]uint32)}
}

func (r *registerFile) HandleLocalRequest(tCode uint16, addressHi uint16, addressLo uint32, payload []byte) (uint8, []byte) {
	switch tCode {
	case arrx.TCodeReadQuadletReq:
		v := r.values[addressLo]
		resp := make([]byte, 4)
		binary.LittleEndian.PutUint32(resp, v)
		return 0, resp
	case arrx.TCodeWriteQuadletReq:
		if len(payload) >= 4 {
			r.values[addressLo] = binary.LittleEndian.Uint32(payload)
		}
		return 0, nil
	default:
		return 0x7, nil // IEEE-1394 address-error rCode for anything this demo doesn't service
	}
}

// demoLocalRequests feeds two synthetic AR Request packets through the
// router, matching internal/arrx's documented receive-side quadlet layout
// (Q0=[destID:16|tLabel:6|rt:2|tCode:4|pri:4], Q1=[sourceID:16|addrHi:16],
// Q2=addrLo, Q3=inline data for write-quadlet) the way a real OHCI AR
// Request DMA write would deliver them, to exercise BusOps' local-serving
// path without a real remote peer attached.
func demoLocalRequests(bus *asfw.BusOps, logger *logging.Logger) {
	const peerNode, localNode, addrLo = 9, 0, 0x2000

	write := buildRequestPacket(arrx.TCodeWriteQuadletReq, localNode, peerNode, 5, 0, addrLo, 0xCAFEF00D)
	bus.RouteARRequestBuffer(write)

	read := buildRequestPacket(arrx.TCodeReadQuadletReq, localNode, peerNode, 6, 0, addrLo, 0)
	bus.RouteARRequestBuffer(read)

	logger.Info("local request demo complete", "addr", fmt.Sprintf("0x%x", addrLo))
}

func buildRequestPacket(tCode uint8, destID, sourceID uint16, tLabel uint8, addrHi uint16, addrLo uint32, inlineData uint32) []byte {
	const rt = 1
	q0 := (uint32(destID) << 16) | (uint32(tLabel&0x3F) << 10) | (uint32(rt) << 8) | (uint32(tCode&0xF) << 4)
	q1 := (uint32(sourceID) << 16) | uint32(addrHi)
	q2 := addrLo

	headerBytes := 12
	if tCode == arrx.TCodeWriteQuadletReq {
		headerBytes = 16
	}
	buf := make([]byte, headerBytes+4) // + trailer
	binary.LittleEndian.PutUint32(buf[0:4], q0)
	binary.LittleEndian.PutUint32(buf[4:8], q1)
	binary.LittleEndian.PutUint32(buf[8:12], q2)
	if headerBytes == 16 {
		binary.LittleEndian.PutUint32(buf[12:16], inlineData)
	}
	binary.LittleEndian.PutUint32(buf[headerBytes:headerBytes+4], 0x00110000) // trailer: ack-complete, timestamp 0
	return buf
}

// submitBatch issues reads/writes/locks against node, none of which will
// ever receive a real AR response (no remote peer is attached), so every
// one resolves via the timeout/retry engine once drainWithSignalHandling
// advances the wheel past its deadline. Returns the live count and the
// handle of the first read, for the caller to optionally cancel.
func submitBatch(bus *asfw.BusOps, node uint8, reads, writes, locks int) (*int64, asfw.AsyncHandle) {
	var outstanding int64
	var firstRead asfw.AsyncHandle

	onDone := func(error, []byte) { atomic.AddInt64(&outstanding, -1) }

	for i := 0; i < reads; i++ {
		atomic.AddInt64(&outstanding, 1)
		h := bus.ReadBlock(asfw.Generation(1), asfw.NodeID(node), asfw.FWAddress{AddressHi: 0xFFFF, AddressLo: 0xF0000000 + uint32(i*4)}, 32, asfw.SpeedS400, onDone)
		if h == 0 {
			atomic.AddInt64(&outstanding, -1)
			continue
		}
		if firstRead == 0 {
			firstRead = h
		}
	}
	for i := 0; i < writes; i++ {
		atomic.AddInt64(&outstanding, 1)
		data := make([]byte, 32)
		if bus.WriteBlock(asfw.Generation(1), asfw.NodeID(node), asfw.FWAddress{AddressHi: 0xFFFF, AddressLo: 0xF0001000 + uint32(i*4)}, data, asfw.SpeedS400, onDone) == 0 {
			atomic.AddInt64(&outstanding, -1)
		}
	}
	for i := 0; i < locks; i++ {
		atomic.AddInt64(&outstanding, 1)
		operand := make([]byte, 8)
		if bus.Lock(asfw.Generation(1), asfw.NodeID(node), asfw.FWAddress{AddressHi: 0xFFFF, AddressLo: 0xF0002000 + uint32(i*4)}, asfw.LockCompareSwap, operand, 4, asfw.SpeedS400, onDone) == 0 {
			atomic.AddInt64(&outstanding, -1)
		}
	}

	return &outstanding, firstRead
}

// drainWithSignalHandling pins this goroutine to a CPU (mirroring the
// teacher's per-queue ioLoop affinity pattern) and repeatedly advances the
// timeout wheel with a simulated clock until every submitted transaction has
// resolved, or SIGINT/SIGTERM asks for an early exit.
func drainWithSignalHandling(bus *asfw.BusOps, outstanding *int64, cpu int, logger *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if cpu >= 0 {
		var mask unix.CPUSet
		mask.Set(cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			logger.Warn("failed to pin advance loop to CPU", "cpu", cpu, "error", err)
		} else {
			logger.Info("pinned advance loop", "cpu", cpu)
		}
	}

	var simNanos int64
	const step = int64(time.Millisecond)
	for atomic.LoadInt64(outstanding) > 0 {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal, stopping before the batch fully drained")
			return
		default:
		}
		simNanos += step
		bus.Advance(simNanos)
	}
}

func printSummary(bus *asfw.BusOps, elapsed time.Duration, logger *logging.Logger) {
	snap := bus.Diagnostics()
	m := bus.Metrics().Snapshot()

	fmt.Printf("\nasfw-bench summary (elapsed %s)\n", elapsed)
	fmt.Printf("  outstanding: %d/%d (labels in use: %d/%d)\n", snap.Outstanding.InUse, snap.Outstanding.Capacity, snap.Labels.InUse, snap.Labels.Capacity)
	fmt.Printf("  bus generation: %d\n", snap.Generation.Current)
	fmt.Printf("  ops: reads=%d writes=%d locks=%d\n", m.ReadOps, m.WriteOps, m.LockOps)
	fmt.Printf("  errors: timeout=%d short_read=%d busy_exhausted=%d aborted=%d hardware=%d lock_compare=%d stale_gen=%d\n",
		m.TimeoutErrors, m.ShortReadErrors, m.BusyExhaustedErrors, m.AbortedErrors, m.HardwareErrors, m.LockCompareFails, m.StaleGenerationErrors)
	fmt.Printf("  retries=%d speed_fallbacks=%d\n", m.Retries, m.SpeedFallbacks)

	logger.Info("bench complete")
}
