package signaling

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/toxav/av"
	"github.com/opd-ai/toxav/av/audio"
)

// PacketTransport is the minimal packet layer the adapter needs.
type PacketTransport interface {
	// Send sends a packet to the specified address
	Send(packetType byte, data, addr []byte) error

	// RegisterHandler registers a handler for specific packet types
	RegisterHandler(packetType byte, handler func(data, addr []byte) error)
}

// AddressLookup returns the network address of a peer.
type AddressLookup func(peer av.PeerID) ([]byte, error)

// PeerLookup maps a network address back to a peer.
type PeerLookup func(addr []byte) (av.PeerID, error)

// ErrNoHandler is returned for inbound packets that arrive before SetHandler.
var ErrNoHandler = errors.New("no inbound handler registered")

type streamKey struct {
	peer   av.PeerID
	medium av.Medium
}

// Adapter implements av.Transport on a PacketTransport. Inbound packets are
// decoded and forwarded to the registered av.InboundHandler.
type Adapter struct {
	transport    PacketTransport
	addressOf    AddressLookup
	peerOf       PeerLookup
	timeProvider av.TimeProvider

	mu       sync.RWMutex
	handler  av.InboundHandler
	outbound map[streamKey]*Packetizer
	inbound  map[streamKey]*Depacketizer
	decoders map[av.PeerID]*audio.OpusDecoder
}

var _ av.Transport = (*Adapter)(nil)

// NewAdapter creates an adapter and registers its packet handlers.
func NewAdapter(transport PacketTransport, addressOf AddressLookup, peerOf PeerLookup) (*Adapter, error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if addressOf == nil || peerOf == nil {
		return nil, errors.New("address lookups cannot be nil")
	}

	a := &Adapter{
		transport:    transport,
		addressOf:    addressOf,
		peerOf:       peerOf,
		timeProvider: av.DefaultTimeProvider{},
		outbound:     make(map[streamKey]*Packetizer),
		inbound:      make(map[streamKey]*Depacketizer),
		decoders:     make(map[av.PeerID]*audio.OpusDecoder),
	}

	transport.RegisterHandler(PacketCallRequest, a.handleCallRequest)
	transport.RegisterHandler(PacketCallControl, a.handleCallControl)
	transport.RegisterHandler(PacketBitRateRequest, a.handleBitRateRequest)
	transport.RegisterHandler(PacketBitRateResponse, a.handleBitRateResponse)
	transport.RegisterHandler(PacketAudioFrame, a.handleAudioFrame)
	transport.RegisterHandler(PacketVideoFrame, a.handleVideoFrame)

	logrus.WithFields(logrus.Fields{
		"function": "NewAdapter",
	}).Info("Registered AV packet handlers")

	return a, nil
}

// SetHandler sets the receiver of inbound notifications, usually
// av.Manager.Dispatcher().
func (a *Adapter) SetHandler(h av.InboundHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// SetTimeProvider sets the clock used for packet timestamps.
func (a *Adapter) SetTimeProvider(tp av.TimeProvider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeProvider = tp
}

func (a *Adapter) now() av.TimeProvider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.timeProvider
}

func (a *Adapter) send(op string, packetType byte, peer av.PeerID, data []byte) error {
	addr, err := a.addressOf(peer)
	if err != nil {
		return fmt.Errorf("%s: no address for %s: %w", op, peer, err)
	}
	if err := a.transport.Send(packetType, data, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Adapter.send",
			"op":          op,
			"peer":        peer,
			"packet_type": fmt.Sprintf("0x%02x", packetType),
			"error":       err.Error(),
		}).Error("Failed to send AV packet")
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SendCallRequest implements av.Transport. Media streams of an earlier
// call with the peer are reset.
func (a *Adapter) SendCallRequest(peer av.PeerID, audioRate, videoRate av.BitRate) error {
	a.ResetPeer(peer)
	data, err := SerializeCallRequest(&CallRequestPacket{
		AudioBitRate: audioRate,
		VideoBitRate: videoRate,
		Timestamp:    a.now().Now(),
	})
	if err != nil {
		return err
	}
	return a.send("call_request", PacketCallRequest, peer, data)
}

// SendControl implements av.Transport.
func (a *Adapter) SendControl(peer av.PeerID, control av.CallControl) error {
	data, err := SerializeCallControl(&CallControlPacket{Control: control, Timestamp: a.now().Now()})
	if err != nil {
		return err
	}
	return a.send("call_control", PacketCallControl, peer, data)
}

// RequestBitRateChange implements av.Transport.
func (a *Adapter) RequestBitRateChange(peer av.PeerID, medium av.Medium, rate av.BitRate, requestID uint64) error {
	data, err := SerializeBitRateRequest(&BitRateRequestPacket{RequestID: requestID, Medium: medium, BitRate: rate})
	if err != nil {
		return err
	}
	return a.send("bit_rate_request", PacketBitRateRequest, peer, data)
}

// RespondBitRateChange implements av.Transport.
func (a *Adapter) RespondBitRateChange(peer av.PeerID, medium av.Medium, requestID uint64, accepted bool) error {
	data, err := SerializeBitRateResponse(&BitRateResponsePacket{RequestID: requestID, Medium: medium, Accepted: accepted})
	if err != nil {
		return err
	}
	return a.send("bit_rate_response", PacketBitRateResponse, peer, data)
}

// SendFrame implements av.Transport. Audio travels as L16 PCM, video as
// raw I420.
func (a *Adapter) SendFrame(peer av.PeerID, frame av.Frame) error {
	switch {
	case frame.Medium == av.MediumAudio && frame.Audio != nil:
		p, err := a.packetizer(peer, av.MediumAudio, PayloadTypeL16)
		if err != nil {
			return err
		}
		payload := audio.EncodeL16(audio.PCMFrame{
			Samples:    frame.Audio.PCM,
			Channels:   frame.Audio.Channels,
			SampleRate: frame.Audio.SampleRate,
		})
		data, err := p.Packetize(payload, uint32(frame.Audio.SampleCount))
		if err != nil {
			return err
		}
		return a.send("audio_frame", PacketAudioFrame, peer, data)

	case frame.Medium == av.MediumVideo && frame.Video != nil:
		p, err := a.packetizer(peer, av.MediumVideo, PayloadTypeI420)
		if err != nil {
			return err
		}
		data, err := p.Packetize(EncodeVideoFrame(*frame.Video), videoClockStep)
		if err != nil {
			return err
		}
		return a.send("video_frame", PacketVideoFrame, peer, data)

	default:
		return fmt.Errorf("frame for medium %s has no payload", frame.Medium)
	}
}

func (a *Adapter) packetizer(peer av.PeerID, medium av.Medium, payloadType uint8) (*Packetizer, error) {
	key := streamKey{peer: peer, medium: medium}
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.outbound[key]; ok {
		return p, nil
	}
	p, err := NewPacketizer(payloadType)
	if err != nil {
		return nil, err
	}
	a.outbound[key] = p
	return p, nil
}

func (a *Adapter) depacketizer(peer av.PeerID, medium av.Medium) *Depacketizer {
	key := streamKey{peer: peer, medium: medium}
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.inbound[key]
	if !ok {
		d = NewDepacketizer()
		a.inbound[key] = d
	}
	return d
}

func (a *Adapter) opusDecoder(peer av.PeerID) *audio.OpusDecoder {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.decoders[peer]
	if !ok {
		d = audio.NewOpusDecoder()
		a.decoders[peer] = d
	}
	return d
}

// ReceiveStats returns the inbound packet counters for a peer's stream.
func (a *Adapter) ReceiveStats(peer av.PeerID, medium av.Medium) StreamStats {
	a.mu.RLock()
	d, ok := a.inbound[streamKey{peer: peer, medium: medium}]
	a.mu.RUnlock()
	if !ok {
		return StreamStats{}
	}
	return d.Stats()
}

// ResetPeer drops the media stream state kept for a peer.
func (a *Adapter) ResetPeer(peer av.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range []av.Medium{av.MediumAudio, av.MediumVideo} {
		delete(a.outbound, streamKey{peer: peer, medium: m})
		delete(a.inbound, streamKey{peer: peer, medium: m})
	}
	delete(a.decoders, peer)
}

// PeerDisconnected is called by the host when the peer's connection is
// lost. The peer's stream state is dropped and its call, if any, ends.
func (a *Adapter) PeerDisconnected(peer av.PeerID) {
	a.ResetPeer(peer)
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	if h == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Adapter.PeerDisconnected",
		"peer":     peer,
	}).Info("Peer connection lost")
	h.OnPeerDisconnected(peer)
}

// Close drops all stream state and closes the packet transport if it is
// an io.Closer.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.outbound = make(map[streamKey]*Packetizer)
	a.inbound = make(map[streamKey]*Depacketizer)
	a.decoders = make(map[av.PeerID]*audio.OpusDecoder)
	a.handler = nil
	a.mu.Unlock()

	var err error
	if c, ok := a.transport.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// resolve finds the sender and the handler for an inbound packet.
func (a *Adapter) resolve(event string, addr []byte) (av.PeerID, av.InboundHandler, error) {
	peer, err := a.peerOf(addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Adapter." + event,
			"error":    err.Error(),
		}).Warn("Packet from unknown address")
		return 0, nil, fmt.Errorf("unknown sender: %w", err)
	}
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	if h == nil {
		return peer, nil, ErrNoHandler
	}
	return peer, h, nil
}

func (a *Adapter) malformed(event string, peer av.PeerID, h av.InboundHandler, err error) error {
	logrus.WithFields(logrus.Fields{
		"function": "Adapter." + event,
		"peer":     peer,
		"error":    err.Error(),
	}).Warn("Dropping malformed AV packet")
	if h != nil {
		h.OnTransportError(peer, event, err)
	}
	return err
}

func (a *Adapter) handleCallRequest(data, addr []byte) error {
	peer, h, err := a.resolve("handleCallRequest", addr)
	if err != nil {
		return err
	}
	req, err := DeserializeCallRequest(data)
	if err != nil {
		return a.malformed("handleCallRequest", peer, h, err)
	}
	// stream state is kept: a repeated request must not disturb a live
	// call, and a new call from the peer arrives on a new SSRC
	h.OnIncomingCall(peer, req.AudioBitRate, req.VideoBitRate)
	return nil
}

func (a *Adapter) handleCallControl(data, addr []byte) error {
	peer, h, err := a.resolve("handleCallControl", addr)
	if err != nil {
		return err
	}
	ctrl, err := DeserializeCallControl(data)
	if err != nil {
		return a.malformed("handleCallControl", peer, h, err)
	}
	h.OnControlReceived(peer, ctrl.Control)
	return nil
}

func (a *Adapter) handleBitRateRequest(data, addr []byte) error {
	peer, h, err := a.resolve("handleBitRateRequest", addr)
	if err != nil {
		return err
	}
	req, err := DeserializeBitRateRequest(data)
	if err != nil {
		return a.malformed("handleBitRateRequest", peer, h, err)
	}
	h.OnBitRateRequest(peer, req.Medium, req.BitRate, req.RequestID)
	return nil
}

func (a *Adapter) handleBitRateResponse(data, addr []byte) error {
	peer, h, err := a.resolve("handleBitRateResponse", addr)
	if err != nil {
		return err
	}
	resp, err := DeserializeBitRateResponse(data)
	if err != nil {
		return a.malformed("handleBitRateResponse", peer, h, err)
	}
	h.OnBitRateResponse(peer, resp.Medium, resp.RequestID, resp.Accepted)
	return nil
}

func (a *Adapter) handleAudioFrame(data, addr []byte) error {
	peer, h, err := a.resolve("handleAudioFrame", addr)
	if err != nil {
		return err
	}
	packet, err := a.depacketizer(peer, av.MediumAudio).Unpack(data)
	if err != nil {
		return a.malformed("handleAudioFrame", peer, h, err)
	}

	var frame av.AudioFrame
	switch packet.PayloadType {
	case PayloadTypeL16:
		pcm, err := audio.DecodeL16(packet.Payload)
		if err != nil {
			return a.malformed("handleAudioFrame", peer, h, err)
		}
		frame = av.AudioFrame{
			PCM:         pcm.Samples,
			SampleCount: pcm.SampleCount(),
			Channels:    pcm.Channels,
			SampleRate:  pcm.SampleRate,
		}
	case PayloadTypeOpus:
		decoded, err := a.opusDecoder(peer).Decode(packet.Payload)
		if err != nil {
			return a.malformed("handleAudioFrame", peer, h, err)
		}
		frame = av.AudioFrame{
			PCM:         decoded.PCM,
			SampleCount: decoded.SampleCount,
			Channels:    decoded.Channels,
			SampleRate:  decoded.SampleRate,
		}
	default:
		return a.malformed("handleAudioFrame", peer, h,
			fmt.Errorf("%w: %d", ErrUnexpectedPayloadType, packet.PayloadType))
	}

	if err := av.ValidateAudioFrame(frame); err != nil {
		return a.malformed("handleAudioFrame", peer, h, err)
	}
	h.OnFrameReceived(peer, av.Frame{Medium: av.MediumAudio, Audio: &frame})
	return nil
}

func (a *Adapter) handleVideoFrame(data, addr []byte) error {
	peer, h, err := a.resolve("handleVideoFrame", addr)
	if err != nil {
		return err
	}
	packet, err := a.depacketizer(peer, av.MediumVideo).Unpack(data)
	if err != nil {
		return a.malformed("handleVideoFrame", peer, h, err)
	}
	if packet.PayloadType != PayloadTypeI420 {
		return a.malformed("handleVideoFrame", peer, h,
			fmt.Errorf("%w: %d", ErrUnexpectedPayloadType, packet.PayloadType))
	}
	frame, err := DecodeVideoFrame(packet.Payload)
	if err != nil {
		return a.malformed("handleVideoFrame", peer, h, err)
	}
	if err := av.ValidateVideoFrame(frame); err != nil {
		return a.malformed("handleVideoFrame", peer, h, err)
	}
	h.OnFrameReceived(peer, av.Frame{Medium: av.MediumVideo, Video: &frame})
	return nil
}
