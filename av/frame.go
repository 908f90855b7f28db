package av

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxav/limits"
)

// FrameSender validates outbound media frames and forwards them to the
// transport. It reads session state from the registry snapshot and never
// enters the worker, so frame sending does not queue behind signalling.
type FrameSender struct {
	registry  *Registry
	transport Transport
	metrics   *Metrics
}

// NewFrameSender creates a frame sender. metrics may be nil.
func NewFrameSender(registry *Registry, transport Transport, metrics *Metrics) *FrameSender {
	return &FrameSender{
		registry:  registry,
		transport: transport,
		metrics:   metrics,
	}
}

// ValidateAudioFrame checks the frame layout: a permitted frame duration at
// a supported sample rate, one or two channels and a PCM buffer holding
// exactly SampleCount*Channels samples.
func ValidateAudioFrame(f AudioFrame) error {
	if err := limits.ValidateAudioFrame(f.SampleCount, f.Channels, f.SampleRate, len(f.PCM)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAudioFrame, err)
	}
	return nil
}

// ValidateVideoFrame checks that the I420 planes match the dimensions.
func ValidateVideoFrame(f VideoFrame) error {
	if err := limits.ValidateVideoFrame(int(f.Width), int(f.Height), len(f.Y), len(f.U), len(f.V)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVideoFrame, err)
	}
	return nil
}

// SendAudio validates and sends one audio frame.
func (fs *FrameSender) SendAudio(peer PeerID, f AudioFrame) error {
	return fs.send(peer, Frame{Medium: MediumAudio, Audio: &f}, func() error {
		return ValidateAudioFrame(f)
	})
}

// SendVideo validates and sends one video frame.
func (fs *FrameSender) SendVideo(peer PeerID, f VideoFrame) error {
	return fs.send(peer, Frame{Medium: MediumVideo, Video: &f}, func() error {
		return ValidateVideoFrame(f)
	})
}

// send checks the session, then the sending gate, then the frame layout,
// and only then hands the frame to the transport.
func (fs *FrameSender) send(peer PeerID, frame Frame, validate func() error) error {
	const op = "send_frame"

	info, ok := fs.registry.Get(peer)
	if !ok {
		return fs.reject(op, peer, frame.Medium, ErrSessionNotFound)
	}
	if err := info.CanSend(frame.Medium); err != nil {
		return fs.reject(op, peer, frame.Medium, err)
	}
	if err := validate(); err != nil {
		return fs.reject(op, peer, frame.Medium, err)
	}

	if err := fs.transport.SendFrame(peer, frame); err != nil {
		err = fmt.Errorf("%w: %s frame: %v", ErrTransport, frame.Medium, err)
		fs.registry.Emit(Event{Type: EventError, Peer: peer, Op: op, Kind: KindTransport, Err: err})
		logrus.WithFields(logrus.Fields{
			"function": "FrameSender.send",
			"peer":     peer,
			"medium":   frame.Medium.String(),
			"error":    err.Error(),
		}).Warn("Transport refused frame")
		return newCallError(op, peer, err)
	}
	fs.metrics.frameSent(frame.Medium)
	return nil
}

func (fs *FrameSender) reject(op string, peer PeerID, medium Medium, err error) error {
	kind := KindOf(err)
	fs.metrics.frameRejected(medium, kind)

	entry := logrus.WithFields(logrus.Fields{
		"function": "FrameSender.send",
		"peer":     peer,
		"medium":   medium.String(),
		"kind":     kind.String(),
	})
	if errors.Is(err, ErrSessionNotFound) {
		entry.Debug("Frame dropped, no session")
	} else {
		entry.WithField("error", err.Error()).Debug("Frame rejected")
	}
	return newCallError(op, peer, err)
}
