// Package respond implements the Response Sender (spec.md §4.11), ported
// from original_source/ASFWDriver/Async/Tx/ResponseSender.hpp: builds and
// transmits a WrResp/RdResp for an inbound AR request this host serviced
// locally (e.g. a peer reading this host's Config-ROM), matching the
// original request's tLabel/source node, and skipping transmission
// entirely for broadcast requests — a broadcast write has no single
// requester to answer.
package respond

import (
	"fmt"

	"github.com/mrmidi/asfw/internal/atctx"
	"github.com/mrmidi/asfw/internal/descriptor"
	"github.com/mrmidi/asfw/internal/packet"
	"github.com/mrmidi/asfw/internal/ring"
)

// BroadcastDestID is the full 16-bit destination ID (bus number + node
// number, both all-ones) IEEE-1394 reserves for broadcast requests. Only
// this exact value is suppressed: requests to other destIDs in
// 0xFFC0..0xFFFE are answered like any unicast request.
const BroadcastDestID = 0xFFFF

// Request describes the inbound AR request a response answers, the Go
// analogue of the original's ARPacketView reduced to what a Sender needs.
type Request struct {
	SourceNode uint16 // requester's node, becomes this response's destination
	TLabel     uint8
	DestID     uint16 // the request's own destination field; BroadcastDestID suppresses the reply
}

// Sender builds response packets and submits them through an AT Response
// context's descriptor ring.
type Sender struct {
	r     *ring.Ring
	atCtx *atctx.Context
	ctx   packet.Context
}

// New binds a Sender to the AT Response context's ring and the local
// node's packet.Context (source node ID, generation, default speed).
func New(r *ring.Ring, atCtx *atctx.Context, ctx packet.Context) *Sender {
	return &Sender{r: r, atCtx: atCtx, ctx: ctx}
}

// reserveAndSubmit reserves zBlocks slots at the ring's current tail,
// builds the chain into them via build, and submits it. Callers must not
// request more blocks than the ring's capacity supports in one contiguous
// span; internal/atctx's Reserve/SubmitChain pair assumes (like the rest
// of this engine) that the ring capacity is chosen so a chain never wraps.
func (s *Sender) reserveAndSubmit(zBlocks uint8, build func(slots []ring.OHCIDescriptor) (uint8, error)) error {
	start, err := s.atCtx.ReserveSlots(zBlocks)
	if err != nil {
		return fmt.Errorf("respond: no room in AT response ring: %w", err)
	}
	slots := s.r.Storage()[start : start+int(zBlocks)]
	z, err := build(slots)
	if err != nil {
		return err
	}
	return s.atCtx.SubmitChain(start, z)
}

// SendWriteResponse answers an inbound write request with a WrResp
// carrying rcode. Suppressed for broadcast requests per
// original_source/ASFWDriver/Async/Tx/ResponseSender.hpp's contract.
func (s *Sender) SendWriteResponse(req Request, rcode uint8) error {
	if req.DestID == BroadcastDestID {
		return nil
	}
	params := packet.ResponseParams{DestinationNode: req.SourceNode, RCode: rcode}
	return s.reserveAndSubmit(2, func(slots []ring.OHCIDescriptor) (uint8, error) {
		var header [packet.HeaderSizeNoData]byte
		if _, err := packet.BuildWriteResponse(params, req.TLabel, s.ctx, header[:]); err != nil {
			return 0, err
		}
		return descriptor.BuildNoPayloadChain(slots, header[:])
	})
}

// SendReadQuadletResponse answers an inbound read-quadlet request,
// carrying data when rcode is 0 (complete).
func (s *Sender) SendReadQuadletResponse(req Request, rcode uint8, data uint32) error {
	if req.DestID == BroadcastDestID {
		return nil
	}
	params := packet.ResponseParams{DestinationNode: req.SourceNode, RCode: rcode}
	return s.reserveAndSubmit(2, func(slots []ring.OHCIDescriptor) (uint8, error) {
		var header [packet.HeaderSizeQuadlet]byte
		if _, err := packet.BuildReadQuadletResponse(params, data, req.TLabel, s.ctx, header[:]); err != nil {
			return 0, err
		}
		return descriptor.BuildNoPayloadChain(slots, header[:])
	})
}

// SendReadBlockResponse answers an inbound read-block request. payloadIOVA
// is the DMA address of the response data (zero length when rcode != 0).
func (s *Sender) SendReadBlockResponse(req Request, rcode uint8, payloadIOVA uint32, payload []byte) error {
	if req.DestID == BroadcastDestID {
		return nil
	}
	zBlocks := uint8(2)
	if rcode == 0 && len(payload) > 0 {
		zBlocks = 3
	}
	params := packet.ResponseParams{DestinationNode: req.SourceNode, RCode: rcode}
	return s.reserveAndSubmit(zBlocks, func(slots []ring.OHCIDescriptor) (uint8, error) {
		var header [packet.HeaderSizeBlock]byte
		if _, err := packet.BuildReadBlockResponse(params, uint16(len(payload)), req.TLabel, s.ctx, header[:]); err != nil {
			return 0, err
		}
		if zBlocks == 2 {
			return descriptor.BuildNoPayloadChain(slots, header[:])
		}
		return descriptor.BuildPayloadChain(slots, header[:], payloadIOVA, len(payload))
	})
}

// SendLockResponse answers an inbound lock request with its result
// payload (the pre-update value for compare-swap).
func (s *Sender) SendLockResponse(req Request, rcode uint8, payloadIOVA uint32, payload []byte) error {
	if req.DestID == BroadcastDestID {
		return nil
	}
	zBlocks := uint8(2)
	if rcode == 0 && len(payload) > 0 {
		zBlocks = 3
	}
	params := packet.ResponseParams{DestinationNode: req.SourceNode, RCode: rcode}
	return s.reserveAndSubmit(zBlocks, func(slots []ring.OHCIDescriptor) (uint8, error) {
		var header [packet.HeaderSizeBlock]byte
		if _, err := packet.BuildLockResponse(params, uint16(len(payload)), req.TLabel, s.ctx, header[:]); err != nil {
			return 0, err
		}
		if zBlocks == 2 {
			return descriptor.BuildNoPayloadChain(slots, header[:])
		}
		return descriptor.BuildPayloadChain(slots, header[:], payloadIOVA, len(payload))
	})
}
