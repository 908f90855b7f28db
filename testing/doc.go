// Package testing provides an in-memory packet network for deterministic
// testing of ToxAV endpoints.
//
// # Overview
//
// Each Endpoint satisfies the packet transport expected by
// av/signaling.Adapter (Send and RegisterHandler). Packets are delivered
// synchronously to the destination handler, so two managers wired together
// through a Network exchange signalling and media without sockets.
//
// # Usage
//
//	network := testing.NewNetwork()
//	alice := network.Endpoint("alice")
//	bob := network.Endpoint("bob")
//
//	aliceBook := testing.NewDirectory()
//	aliceBook.Add(1, "bob")
//	adapter, err := signaling.NewAdapter(alice, aliceBook.AddressOf, aliceBook.PeerOf)
//
// # Delivery Logs
//
// The network keeps a log of every delivery attempt. Each DeliveryRecord
// contains the source and destination addresses, the packet type and size,
// and whether a handler accepted the packet. Use GetDeliveryLog and
// CountDelivered in assertions, and ClearDeliveryLog between cases.
//
// # Failure Injection
//
// SetLinkDown cuts one direction of a link; sends fail with ErrLinkDown
// until the link is restored. Closing an Endpoint makes it unreachable.
package testing
