// Package toxav implements audio/video calls between Tox friends.
//
// A ToxAV instance sits on a packet transport that can send typed packets
// to an address and deliver inbound packets by type. Calls are identified
// by friend number. Every call has its own state machine (ringing, in
// progress, ended), sending gates for pause/mute/hide, and a bit rate
// negotiator per medium that asks the friend to accept a new rate.
//
// # Getting Started
//
//	tav, err := toxav.New(transport, book.AddressOf, book.PeerOf, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tav.Kill()
//
//	tav.CallbackCall(func(friend uint32, audio, video bool) {
//	    tav.Answer(friend, 48, 0)
//	})
//	tav.CallbackAudioReceiveFrame(func(friend uint32, pcm []int16, samples int, channels uint8, rate uint32) {
//	    play(pcm)
//	})
//
//	if err := tav.Call(friend, 48, 0); err != nil {
//	    log.Fatal(err)
//	}
//
// # Callbacks
//
// Callbacks run on one goroutine owned by the instance, in the order the
// events happened. They may call any method except Kill.
//
// # Options
//
// Options wires in the optional parts: a config.Config for limits and
// adaptive bit rate, a Prometheus registerer for the call metrics, and a
// history.Store that receives a record of every call.
//
// The call core itself lives in package av and can be used without this
// facade; av/signaling holds the wire format.
package toxav
