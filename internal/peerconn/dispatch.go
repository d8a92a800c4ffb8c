package peerconn

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"

	"ed2kcore/internal/piece"
	"ed2kcore/internal/wire"
)

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

// handleFrame dispatches one post-handshake frame. The remote-accepted
// attach sequence (file_request -> filestatus_request) is handled here
// since, unlike the local-initiator side, it arrives asynchronously rather
// than as a fixed call sequence (spec.md §4.5: "Responder replies...").
func (c *Conn) handleFrame(ctx context.Context, f *wire.Frame) error {
	switch f.Opcode {
	case wire.OpRequestFilename:
		return c.onFileRequest(f.Body)

	case wire.OpFileStatusRequest:
		return c.onFileStatusRequest(f.Body)

	case wire.OpRequestParts, wire.OpRequestPartsI64:
		return c.onRequestParts(ctx, f.Body, f.Opcode == wire.OpRequestPartsI64)

	case wire.OpSendingPart, wire.OpSendingPartI64:
		return c.onSendingPart(f.Body, f.Opcode == wire.OpSendingPartI64)

	case wire.OpCompressedPart, wire.OpCompressedPartI64:
		return c.onCompressedPart(f.Body, f.Opcode == wire.OpCompressedPartI64)

	case wire.OpStartUploadReq:
		return c.onStartUploadReq(f.Body)

	case wire.OpAcceptUploadReq:
		return nil // slot opened; queueFillLoop starts flushing on its own

	case wire.OpQueueRanking, wire.OpQueueRank:
		_, err := DecodeQueueRanking(f.Body)
		return err

	case wire.OpOutOfPartReqs:
		// Uploader cannot accept more requests right now; nothing is
		// retried here. The in-flight ranges stay in the request queue
		// until timeoutLoop drops them; they are not handed back to the
		// picker from this path.
		return nil

	case wire.OpCancelTransfer:
		return nil

	default:
		return fmt.Errorf("peerconn: unhandled opcode 0x%02x", f.Opcode)
	}
}

// onFileRequest services an inbound (remote-accepted) file_request,
// attaching this connection to the hash the remote asked for.
func (c *Conn) onFileRequest(body []byte) error {
	hash, err := DecodeFileRequest(body)
	if err != nil {
		return err
	}
	c.fileHash = hash

	known := c.hooks.FileKnown == nil || c.hooks.FileKnown(hash)
	if !known {
		c.enqueue(frame(wire.ProtocolED2K, wire.OpFileReqAnsNoFile, EncodeNoFile(hash)))
		return errFileUnknown
	}

	name := ""
	if c.hooks.FileName != nil {
		name = c.hooks.FileName(hash)
	}
	c.enqueue(frame(wire.ProtocolED2K, wire.OpReqFilenameAnswer, EncodeFileAnswer(FileAnswer{Hash: hash, Filename: name})))
	if err := c.setState(StateFileReq); err != nil {
		return err
	}
	return c.setState(StateFileOk)
}

func (c *Conn) onFileStatusRequest(body []byte) error {
	hash, err := DecodeFileStatusRequest(body)
	if err != nil {
		return err
	}
	if hash != c.fileHash {
		return errUnexpectedState
	}

	var bf []byte
	if c.hooks.LocalBitfield != nil {
		bf = c.hooks.LocalBitfield(hash)
	}
	c.enqueue(frame(wire.ProtocolED2K, wire.OpFileStatus, EncodeFileStatus(FileStatus{Hash: hash, Bitfield: bf})))

	if err := c.setState(StateStatusOk); err != nil {
		return err
	}
	if err := c.setState(StateActive); err != nil {
		return err
	}
	if c.hooks.OnAttached != nil {
		c.hooks.OnAttached(c.addr)
	}
	return nil
}

// onRequestParts parses m_requests (spec.md §4.5, "Upload side") and
// services each range by reading it back from storage and replying with
// sending_part.
func (c *Conn) onRequestParts(ctx context.Context, body []byte, large bool) error {
	hash, ranges, err := DecodeRequestParts(body, large)
	if err != nil {
		return err
	}
	c.stats.RequestsReceived.Add(1)

	if c.hooks.ReadBlock == nil {
		return nil
	}

	seen := make(map[Range]bool, 3)
	for _, r := range ranges {
		if r.Begin == r.End || seen[r] {
			continue
		}
		seen[r] = true

		data, err := c.hooks.ReadBlock(ctx, r)
		if err != nil {
			continue
		}
		proto, op := wire.ProtocolED2K, wire.OpSendingPart
		if large {
			proto, op = wire.ProtocolEMule, wire.OpSendingPartI64
		}
		c.enqueue(frame(proto, op, EncodeSendingPart(SendingPart{
			Hash: hash, Begin: r.Begin, End: r.End, Data: data,
		}, large)))
		c.stats.Uploaded.Add(uint64(len(data)))
	}
	return nil
}

func (c *Conn) onStartUploadReq(body []byte) error {
	hash, err := DecodeStartUploadReq(body)
	if err != nil {
		return err
	}
	if c.hooks.OnUploadRequested != nil {
		c.hooks.OnUploadRequested(c.addr, hash)
	}
	return nil
}

// onSendingPart decodes an inbound sending_part and hands its byte range
// to deliverBlock, which matches it against requestQueues.inflight.
func (c *Conn) onSendingPart(body []byte, large bool) error {
	sp, err := DecodeSendingPart(body, large)
	if err != nil {
		return err
	}
	return c.deliverBlock(sp.Begin, sp.End, sp.Data)
}

func (c *Conn) onCompressedPart(body []byte, large bool) error {
	cp, err := DecodeCompressedPart(body, large)
	if err != nil {
		return err
	}
	zr, err := zlib.NewReader(bytesReader(cp.ZData))
	if err != nil {
		return err
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, int64(cp.UncompressedSize)+1))
	if err != nil {
		return err
	}
	if uint32(len(data)) != cp.UncompressedSize {
		return fmt.Errorf("peerconn: compressed_part size mismatch: got %d want %d", len(data), cp.UncompressedSize)
	}
	return c.deliverBlock(cp.Begin, cp.Begin+uint64(cp.UncompressedSize), data)
}

// deliverBlock matches an inbound byte range against the block this
// connection has in flight and hands the assembled bytes to the owner
// (spec.md §4.5: "When a full block arrives it is handed to the storage
// adapter's write and simultaneously the picker is marked writing").
func (c *Conn) deliverBlock(begin, end uint64, data []byte) error {
	c.stats.Downloaded.Add(uint64(len(data)))
	c.stats.BlocksReceived.Add(1)

	blk, ok := c.matchInflight(begin, end)
	if !ok {
		return nil // stale or duplicate delivery (e.g. endgame cancellation race)
	}

	if c.hooks.OnBlock != nil {
		c.hooks.OnBlock(c.addr, blk, data)
	}
	return nil
}

func (c *Conn) matchInflight(begin, end uint64) (piece.BlockInfo, bool) {
	c.queue.mu.Lock()
	defer c.queue.mu.Unlock()

	for blk := range c.queue.inflight {
		if c.hooks.BlockRange == nil {
			continue
		}
		r := c.hooks.BlockRange(blk)
		if r.Begin == begin && r.End == end {
			delete(c.queue.inflight, blk)
			return blk, true
		}
	}
	return piece.BlockInfo{}, false
}
