// Package webchat is the websocket and HTTP surface of parlor.
//
// Ownership model:
//   - Hub owns socket lifecycle: authentication, registration in the presence
//     registry, the rate-limited read loop and cleanup (LeaveAll, then Unregister).
//   - Connection is the registry sink: a bounded send buffer drained by one write
//     pump per socket. A full buffer drops the connection instead of blocking fan-out.
//   - API exposes read-only projections (presence, rooms, stats, history) and the
//     notification endpoints that publish onto the notify bus.
//   - Server mounts both on a chi router and runs until its context is cancelled.
package webchat
