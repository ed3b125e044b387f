package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPNIO/internal/profinet/codec"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

// Identity is how the controller presents itself in the AR block.
type Identity struct {
	MAC         net.HardwareAddr
	StationName string
	VendorID    uint16
	DeviceID    uint16
	InstanceID  uint16
}

// Target addresses the device's RPC endpoint.
type Target struct {
	IP         net.IP
	Port       int
	VendorID   uint16
	DeviceID   uint16
	InstanceID uint16
}

func (t Target) udpAddr() *net.UDPAddr {
	port := t.Port
	if port == 0 {
		port = codec.DefaultRPCPort
	}
	return &net.UDPAddr{IP: t.IP, Port: port}
}

// ConnectParams is the controller-side AR descriptor of one attempt.
type ConnectParams struct {
	Target                Target
	ARUUID                uuid.UUID
	SessionKey            uint16
	Layout                *codec.Layout
	IOCR                  codec.IOCRParams
	ActivityTimeoutFactor uint16
}

// Session carries what later Release and Control calls need.
type Session struct {
	ARUUID     uuid.UUID
	SessionKey uint16
	Activity   uuid.UUID
	Object     uuid.UUID
	Addr       *net.UDPAddr

	seq atomic.Uint32
}

func (s *Session) nextSeq() uint32 { return s.seq.Add(1) - 1 }

// ConnectResult holds the negotiated values of a successful Connect.
type ConnectResult struct {
	Session         *Session
	DeviceMAC       net.HardwareAddr
	InputFrameID    uint16
	OutputFrameID   uint16
	InputReference  uint16
	OutputReference uint16
	ModuleDiff      *codec.ModuleDiffBlock
	Diagnostics     []string
	Response        *codec.ConnectResponse
}

// Connector runs the connect sequence over a Client.
type Connector struct {
	client   *Client
	identity Identity
	logger   *zap.Logger

	mu    sync.Mutex
	ready map[uuid.UUID]func()
}

func NewConnector(client *Client, identity Identity, logger *zap.Logger) *Connector {
	c := &Connector{
		client:   client,
		identity: identity,
		logger:   logger,
		ready:    make(map[uuid.UUID]func()),
	}
	client.SetHandler(c.handleRequest)
	return c
}

func (c *Connector) Identity() Identity { return c.identity }

// BuildRequest assembles the Connect request blocks in wire order.
func (c *Connector) BuildRequest(p ConnectParams) *codec.ConnectRequest {
	return BuildConnectRequest(c.identity, p)
}

// BuildConnectRequest is BuildRequest without a bound endpoint.
func BuildConnectRequest(identity Identity, p ConnectParams) *codec.ConnectRequest {
	return &codec.ConnectRequest{
		AR: &codec.ARBlockReq{
			ARType:                codec.ARTypeIOCAR,
			ARUUID:                p.ARUUID,
			SessionKey:            p.SessionKey,
			CMInitiatorMAC:        identity.MAC,
			CMInitiatorObjectUUID: codec.ObjectUUID(identity.VendorID, identity.DeviceID, identity.InstanceID),
			Properties:            codec.DefaultARProperties,
			ActivityTimeoutFactor: p.ActivityTimeoutFactor,
			UDPRTPort:             codec.UDPRTPort,
			StationName:           identity.StationName,
		},
		InputIOCR:  p.Layout.IOCRBlock(codec.IOCRTypeInput, p.IOCR),
		OutputIOCR: p.Layout.IOCRBlock(codec.IOCRTypeOutput, p.IOCR),
		AlarmCR:    codec.NewAlarmCRBlockReq(),
		Expected:   p.Layout.ExpectedBlock(),
	}
}

// Connect sends the Connect request and waits for the response until
// ctx ends. It has no side effect besides the network exchange and does
// not retry. Cancellation of ctx is returned as ctx.Err(), a deadline as
// a ConnectError with reason timeout.
func (c *Connector) Connect(ctx context.Context, p ConnectParams) (*ConnectResult, error) {
	payload, err := c.BuildRequest(p).Encode()
	if err != nil {
		return nil, newConnectError(types.ReasonTransport, fmt.Errorf("encode request: %w", err))
	}

	sess := &Session{
		ARUUID:     p.ARUUID,
		SessionKey: p.SessionKey,
		Activity:   uuid.New(),
		Object:     codec.ObjectUUID(p.Target.VendorID, p.Target.DeviceID, p.Target.InstanceID),
		Addr:       p.Target.udpAddr(),
	}
	hdr := codec.NewRequestHeader(sess.Object, codec.DeviceInterfaceUUID, sess.Activity, sess.nextSeq(), codec.OpConnect)

	c.logger.Debug("Sending connect request",
		zap.String("ar_uuid", p.ARUUID.String()),
		zap.Stringer("to", sess.Addr),
		zap.Int("pnio_length", len(payload)))

	pdu, err := c.client.Call(ctx, sess.Addr, hdr, payload)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, newConnectError(types.ReasonTimeout, err)
	case errors.Is(err, context.Canceled):
		return nil, err
	case err != nil:
		return nil, newConnectError(types.ReasonTransport, err)
	}

	res, cerr := evaluateConnectResponse(pdu, sess)
	if cerr != nil {
		return nil, cerr
	}
	if len(res.Diagnostics) > 0 {
		c.logger.Warn("Device reports module differences",
			zap.String("ar_uuid", p.ARUUID.String()),
			zap.Strings("diff", res.Diagnostics))
	}
	return res, nil
}

func evaluateConnectResponse(pdu *codec.PDU, sess *Session) (*ConnectResult, *ConnectError) {
	switch pdu.Header.PacketType {
	case codec.PacketTypeFault, codec.PacketTypeReject:
		return nil, &ConnectError{
			Reason: types.ReasonNegotiationRejected,
			Raw:    pdu.Body,
			Err:    fmt.Errorf("rpc %s, status 0x%08X", packetTypeName(pdu.Header.PacketType), pdu.FaultStatus()),
		}
	}

	resp, decodeErr := codec.DecodeConnectResponse(pdu.Body)
	if !pdu.Response.Status.OK() {
		cerr := &ConnectError{
			Reason: types.ReasonNegotiationRejected,
			Status: pdu.Response.Status,
			Raw:    pdu.Body,
			Err:    errors.New("device rejected the connect request"),
		}
		if decodeErr == nil {
			cerr.Diagnostics = diagnostics(resp)
		}
		return nil, cerr
	}
	if decodeErr != nil {
		return nil, &ConnectError{Reason: types.ReasonDecodeFailure, Raw: pdu.Body, Err: decodeErr}
	}

	ar := resp.AR()
	in := resp.IOCR(codec.IOCRTypeInput)
	out := resp.IOCR(codec.IOCRTypeOutput)
	if ar == nil || in == nil || out == nil {
		return nil, &ConnectError{Reason: types.ReasonDecodeFailure, Raw: pdu.Body, Err: errors.New("response lacks AR or IOCR block")}
	}
	if ar.ARUUID != sess.ARUUID {
		return nil, &ConnectError{Reason: types.ReasonDecodeFailure, Raw: pdu.Body, Err: fmt.Errorf("response for AR %s", ar.ARUUID)}
	}
	for _, cr := range []*codec.IOCRBlockRes{in, out} {
		if err := codec.ValidateRTFrameID(cr.FrameID); err != nil {
			return nil, &ConnectError{Reason: types.ReasonDecodeFailure, Raw: pdu.Body, Err: fmt.Errorf("iocr type %d: %w", cr.Type, err)}
		}
	}
	if in.FrameID == out.FrameID {
		return nil, &ConnectError{Reason: types.ReasonDecodeFailure, Raw: pdu.Body, Err: fmt.Errorf("input and output iocr share frame id 0x%04X", in.FrameID)}
	}

	return &ConnectResult{
		Session:         sess,
		DeviceMAC:       ar.ResponderMAC,
		InputFrameID:    in.FrameID,
		OutputFrameID:   out.FrameID,
		InputReference:  in.Reference,
		OutputReference: out.Reference,
		ModuleDiff:      resp.ModuleDiff(),
		Diagnostics:     diagnostics(resp),
		Response:        resp,
	}, nil
}

func diagnostics(resp *codec.ConnectResponse) []string {
	var out []string
	if d := resp.ModuleDiff(); d != nil {
		out = append(out, d.Summary()...)
	}
	for _, raw := range resp.Unknown() {
		out = append(out, fmt.Sprintf("block 0x%04X: % X", raw.Header.Type, raw.Body))
	}
	return out
}

func packetTypeName(t uint8) string {
	switch t {
	case codec.PacketTypeFault:
		return "fault"
	case codec.PacketTypeReject:
		return "reject"
	default:
		return fmt.Sprintf("ptype %d", t)
	}
}

// control sends one control block and checks the answer.
func (c *Connector) control(ctx context.Context, sess *Session, opnum, reqType, command uint16) error {
	blocks, err := codec.EncodeBlocks(codec.NewControlRequest(reqType, sess.ARUUID, sess.SessionKey, command))
	if err != nil {
		return err
	}
	hdr := codec.NewRequestHeader(sess.Object, codec.DeviceInterfaceUUID, sess.Activity, sess.nextSeq(), opnum)
	pdu, err := c.client.Call(ctx, sess.Addr, hdr, blocks)
	if err != nil {
		return err
	}
	if pdu.Header.PacketType != codec.PacketTypeResponse {
		return fmt.Errorf("rpc %s, status 0x%08X", packetTypeName(pdu.Header.PacketType), pdu.FaultStatus())
	}
	if !pdu.Response.Status.OK() {
		return fmt.Errorf("pnio status %s", pdu.Response.Status)
	}
	res, err := codec.DecodeControlBlock(pdu.Body, reqType|0x8000)
	if err != nil {
		return err
	}
	if res.ARUUID != sess.ARUUID {
		return fmt.Errorf("control response for AR %s", res.ARUUID)
	}
	return nil
}

// PrmEnd tells the device that parameterization is complete.
func (c *Connector) PrmEnd(ctx context.Context, sess *Session) error {
	if err := c.control(ctx, sess, codec.OpControl, codec.BlockTypeIODControlReq, codec.ControlCommandPrmEnd); err != nil {
		return fmt.Errorf("prm end: %w", err)
	}
	return nil
}

// Release ends the AR on the device side.
func (c *Connector) Release(ctx context.Context, sess *Session) error {
	if err := c.control(ctx, sess, codec.OpRelease, codec.BlockTypeReleaseBlockReq, codec.ControlCommandRelease); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// OnApplicationReady registers fn for the device's ApplicationReady of
// the given AR. The returned func unregisters it.
func (c *Connector) OnApplicationReady(ar uuid.UUID, fn func()) func() {
	c.mu.Lock()
	c.ready[ar] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.ready, ar)
		c.mu.Unlock()
	}
}

// handleRequest answers IOXControlReq(ApplicationReady) with Done.
func (c *Connector) handleRequest(from *net.UDPAddr, req *codec.PDU) (codec.PNIOStatus, []byte, bool) {
	if req.Header.OperationNumber != codec.OpControl {
		return codec.PNIOStatus{}, nil, false
	}
	ctrl, err := codec.DecodeControlBlock(req.Body, codec.BlockTypeIOXControlReq)
	if err != nil {
		c.logger.Warn("Unexpected control request", zap.Stringer("from", from), zap.Error(err))
		return codec.PNIOStatus{}, nil, false
	}
	if ctrl.ControlCommand&codec.ControlCommandApplicationReady == 0 {
		return codec.PNIOStatus{}, nil, false
	}

	c.mu.Lock()
	fn := c.ready[ctrl.ARUUID]
	c.mu.Unlock()
	if fn == nil {
		c.logger.Warn("ApplicationReady for unknown AR",
			zap.Stringer("from", from),
			zap.String("ar_uuid", ctrl.ARUUID.String()))
		return codec.PNIOStatus{codec.ErrorCodePNIO, codec.ErrorDecodePNIO, 0x08, 0x00}, nil, true
	}

	blocks, err := codec.EncodeBlocks(ctrl.Answer())
	if err != nil {
		return codec.PNIOStatus{}, nil, false
	}
	fn()
	return codec.PNIOStatus{}, blocks, true
}
