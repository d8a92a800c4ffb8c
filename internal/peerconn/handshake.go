package peerconn

import (
	"context"
	"time"

	"ed2kcore/internal/wire"
)

// handshake performs the hello/hello_answer exchange (the initiator sends
// hello, the responder reads it and answers hello_answer) and, for an outgoing
// (local-initiator) connection, immediately follows with file_request +
// filestatus_request (spec.md §4.5: "Handshake completion criterion: both
// directions have exchanged hello ... and the transfer is attached").
func (c *Conn) handshake(ctx context.Context) error {
	local := Hello{
		ClientHash: c.clientHash,
		MiscOpts2:  Opt2LargeFiles,
	}

	_ = c.conn.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if c.outgoing {
		if _, err := frame(wire.ProtocolED2K, wire.OpHello, EncodeHello(local)).WriteTo(c.conn); err != nil {
			return err
		}
		if err := c.setState(StateHelloSent); err != nil {
			return err
		}
	}

	f, err := wire.ReadFrame(c.conn, c.cfg.MaxBodySize)
	if err != nil {
		return err
	}
	want := uint8(wire.OpHelloAnswer)
	if !c.outgoing {
		want = wire.OpHello
	}
	if f == nil || f.Opcode != want {
		return errUnexpectedState
	}

	remote, err := DecodeHello(f.Body)
	if err != nil {
		return err
	}
	if !c.outgoing {
		if _, err := frame(wire.ProtocolED2K, wire.OpHelloAnswer, EncodeHello(local)).WriteTo(c.conn); err != nil {
			return err
		}
		if err := c.setState(StateHelloSent); err != nil {
			return err
		}
	}
	c.largeFiles = remote.MiscOpts2.LargeFiles() && local.MiscOpts2.LargeFiles()

	if err := c.setState(StateHelloAck); err != nil {
		return err
	}

	if c.outgoing {
		return c.attachOutgoing(ctx)
	}
	return nil
}

// attachOutgoing drives file_request -> file_answer/no_file ->
// filestatus_request -> file_status, bringing the connection to
// StateActive before returning control to the steady-state loops.
func (c *Conn) attachOutgoing(ctx context.Context) error {
	if _, err := frame(wire.ProtocolED2K, wire.OpRequestFilename, EncodeFileRequest(c.fileHash)).WriteTo(c.conn); err != nil {
		return err
	}
	if err := c.setState(StateFileReq); err != nil {
		return err
	}

	f, err := wire.ReadFrame(c.conn, c.cfg.MaxBodySize)
	if err != nil {
		return err
	}
	if f == nil {
		return errUnexpectedState
	}
	switch f.Opcode {
	case wire.OpFileReqAnsNoFile:
		return errFileUnknown
	case wire.OpReqFilenameAnswer:
		if _, err := DecodeFileAnswer(f.Body); err != nil {
			return err
		}
	default:
		return errUnexpectedState
	}
	if err := c.setState(StateFileOk); err != nil {
		return err
	}

	if _, err := frame(wire.ProtocolED2K, wire.OpFileStatusRequest, EncodeFileStatusRequest(c.fileHash)).WriteTo(c.conn); err != nil {
		return err
	}

	f, err = wire.ReadFrame(c.conn, c.cfg.MaxBodySize)
	if err != nil {
		return err
	}
	if f == nil || f.Opcode != wire.OpFileStatus {
		return errUnexpectedState
	}
	status, err := DecodeFileStatus(f.Body)
	if err != nil {
		return err
	}
	if err := c.setState(StateStatusOk); err != nil {
		return err
	}
	if c.hooks.OnRemoteStatus != nil {
		c.hooks.OnRemoteStatus(c.addr, status.Bitfield)
	}

	if err := c.setState(StateActive); err != nil {
		return err
	}
	if c.hooks.OnAttached != nil {
		c.hooks.OnAttached(c.addr)
	}
	return nil
}
