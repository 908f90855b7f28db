package av

// Transport is the outbound half of the peer transport layer. Every method
// is fire-and-forget from the core's point of view: a nil error means the
// request was handed off, and outcomes arrive later through InboundHandler.
// Implementations are called from the registry worker and must not block
// on, or synchronously call back into, the same Manager.
type Transport interface {
	// SendCallRequest offers a call with the local sending rates.
	SendCallRequest(peer PeerID, audio, video BitRate) error

	// SendControl delivers a call control to the peer.
	SendControl(peer PeerID, control CallControl) error

	// RequestBitRateChange asks the peer to accept a new sending rate.
	// The answer arrives as InboundHandler.OnBitRateResponse with the same
	// requestID.
	RequestBitRateChange(peer PeerID, medium Medium, rate BitRate, requestID uint64) error

	// RespondBitRateChange answers a peer's bit-rate request.
	RespondBitRateChange(peer PeerID, medium Medium, requestID uint64, accepted bool) error

	// SendFrame transmits one validated frame.
	SendFrame(peer PeerID, frame Frame) error
}

// InboundHandler receives notifications from the transport layer. The
// EventDispatcher implements it.
type InboundHandler interface {
	OnIncomingCall(peer PeerID, audio, video BitRate)
	OnControlReceived(peer PeerID, control CallControl)
	OnBitRateRequest(peer PeerID, medium Medium, rate BitRate, requestID uint64)
	OnBitRateResponse(peer PeerID, medium Medium, requestID uint64, accepted bool)
	OnFrameReceived(peer PeerID, frame Frame)
	OnPeerDisconnected(peer PeerID)
	// OnTransportError reports an asynchronous delivery failure for op.
	OnTransportError(peer PeerID, op string, err error)
}
