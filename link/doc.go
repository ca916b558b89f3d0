// Package link implements the host side of the LINK serial protocol: a small
// CRLF-terminated, colon-delimited text protocol used to authenticate, query
// and keep alive a session with a device attached to a serial port.
//
// # Protocol Overview
//
// Every line starts with the prefix "LINK" followed by a build-time
// application tag, e.g. "LINKDRAGON". The host sends:
//
//   - LINK<APP>:START:<credential>: begin an authenticated session
//   - LINK<APP>:STOP: end the session
//   - LINK<APP>:GETV: query the device identity (used while probing)
//   - LINK<APP>:PING: heartbeat
//
// The device answers with START_OK, START_NOK, STOP_OK, a PING echo, one of
// the protocol errors PREFIX_INVALID, COMMAND_UNKNOWN or UNCONNECTED, or the
// identity tuple <UID>:<VERSION>:<MODEL> in reply to GETV.
//
// # Components
//
//   - [Codec] encodes commands and validates inbound lines.
//   - [Transport] owns one exclusively opened serial handle and exchanges lines with timeouts.
//   - [Scanner] periodically probes every serial port and publishes the responding devices.
//   - [Connection] is the session state machine (Disconnected, Connecting, Connected,
//     Disconnecting). While Connected it runs an inbound read loop and the keepalive watchdog.
//   - [Controller] ties them together behind the narrow interface a UI needs: select a
//     candidate, request connect or disconnect, and subscribe to [Events].
//
// # Timeouts
//
// Reads wait at most the read timeout (5s by default) for a complete line and writes
// at most the write timeout (3s). While Connected a PING is sent every ping interval (4s)
// and the link is declared lost once nothing was received for the loss threshold (5s).
package link
