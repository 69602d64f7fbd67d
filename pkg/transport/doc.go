// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport carries logical streams between the client and the
// tunnel server.
//
// # Modes
//
// Two implementations of Transport exist:
//
//   - Mux opens every stream on one smux session over the control
//     connection. Stream reads are pumped by the transport itself and the
//     stream close follows a two-phase protocol (see below).
//   - Direct dials a separate work connection to the server per stream.
//     NewStream returns at once and the dial runs in the background,
//     ending in a control-side event.Connected or event.Error. The engine
//     arms the stream's reader explicitly and a close is always final.
//
// # Receive buffer
//
// Bytes read from a stream are appended to the stream's receive buffer and
// announced with an event.Data notification. The consumer drains the buffer
// when its backend is ready, so data arriving before the backend dial
// completes is held rather than lost. The buffer is bounded: above its
// limit the stream stops reading until the consumer frees space, and the
// server is held back by the connection's own flow control.
//
// # Two-phase close (Mux)
//
//	Init/Established ──CloseStream──▶ LocalClose ──reader stops──▶ Closed (event.Closed)
//	Init/Established ──peer FIN────▶ RemoteClose ──CloseStream──▶ Closed (FullyClosed)
//
// CloseStream reports FullyClosed only when the peer already finished;
// otherwise it returns StillDraining and the later event.Closed notification
// confirms the close.
package transport
