// Package ministack implements a minimal IPv4-over-Ethernet network stack
// behind the [netdev.Stack] contract.
//
// The stack answers two things and nothing else: ARP requests for its
// configured address, and ICMPv4 echo requests to that address. Replies
// are staged directly in the device buffer so the driver transmits them
// under the same lock hold that delivered the request, mirroring how a
// full stack fills the buffer from its input path. Frames the stack does
// not answer are counted and dropped.
//
// [Stack.Send] queues stack-originated frames and kicks the device driver,
// which collects them through [Stack.Poll] on its own schedule. Packet
// parsing and construction use github.com/google/gopacket.
//
// The package exists to make the repository demonstrable end to end: a
// host can enumerate the Ethernet function, resolve its address, and ping
// it without a kernel network stack on either side.
package ministack
