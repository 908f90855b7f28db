// Package signaling carries ToxAV calls over a packet transport.
//
// Call requests, call controls and bit-rate negotiation travel as small
// fixed-width big-endian packets. Audio and video frames travel as RTP
// packets built with github.com/pion/rtp: L16 PCM for outbound audio, Opus
// accepted on receive, and raw I420 video behind a dimension header.
//
// Adapter implements av.Transport on any PacketTransport and forwards
// decoded inbound packets to an av.InboundHandler:
//
//	adapter, err := signaling.NewAdapter(packets, book.AddressOf, book.PeerOf)
//	manager, err := av.NewManager(adapter, av.DefaultManagerConfig())
//	adapter.SetHandler(manager.Dispatcher())
//
// Malformed packets from a known peer are reported through
// InboundHandler.OnTransportError; packets from unknown addresses are
// dropped.
package signaling
