// Package av implements the call-session layer of ToxAV.
//
// The package tracks, per remote peer, the lifecycle of a call, negotiates
// audio and video bit rates, dispatches call-control signals and validates
// media frames before they are handed to the transport layer.
//
// # Architecture
//
// The av package consists of several cooperating parts:
//
//   - Manager: client-facing operations (start, answer, control, bit rate, frames)
//   - Registry: the PeerID to CallSession map and its single worker goroutine
//   - CallSession: call state machine, control history and sending gates
//   - BitRateNegotiator: one per medium, resolves forceful and non-forceful requests
//   - FrameSender: validates outbound frames and forwards them to the Transport
//   - EventDispatcher: applies inbound Transport notifications to the registry
//   - EventBus: non-blocking delivery of Events to subscribers
//   - BitRateAdapter: AIMD bit-rate adaptation from network statistics
//
// # Sub-Packages
//
//   - av/audio: PCM and Opus payload handling
//   - av/signaling: wire packets, RTP packetization and the packet Transport adapter
//
// # Concurrency
//
// Every mutation runs on the registry worker in submission order, so a
// client operation and an inbound notification for the same peer never
// interleave. Inbound notifications are posted without waiting, which keeps
// transports that deliver synchronously from deadlocking against the
// worker. Queries such as Manager.Session and frame sending read an
// immutable snapshot republished after each worker task.
//
// # Manager Usage
//
//	manager, err := av.NewManager(transport, av.DefaultManagerConfig())
//	if err != nil {
//	    return err
//	}
//	transport.SetHandler(manager.Dispatcher())
//	events := manager.Subscribe()
//	defer manager.Close(context.Background())
//
//	err = manager.StartCall(ctx, peer, 48, 0)
//
// # Bit Rates
//
// Rates are in kbit/s and 0 disables a medium. A forceful request replaces
// any pending request for the medium; a non-forceful request replaces only a
// pending non-forceful one and is refused with ErrNegotiationBusy while a
// forceful request is in flight. Accepted changes are reported as
// EventBitRateChanged.
//
// # Sending Media
//
//	err := manager.SendAudioFrame(peer, pcm, 960, 2, 48000)
//
// A frame is refused with ErrSessionNotFound when there is no session, with
// ErrSendNotAllowed when the call is not in progress, paused or the medium
// is disabled, muted or hidden, and with ErrInvalidAudioFrame or
// ErrInvalidVideoFrame when its layout is malformed.
//
// # Error Handling
//
// Client operations return *CallError values wrapping the package sentinel
// errors; use errors.Is or KindOf to classify them. Failures that occur
// asynchronously are reported as EventError.
package av
