//Package main
/*
The `relay` package contains the implementation of the meeting relay server and of the client side connection manager.
The server hosts one room with a fixed number of seats and forwards every message a participant sends to all the
other participants, without looking into chat text or media payloads.

Messages travel as length prefixed msgpack frames over a plain TCP stream. Optionally the server also accepts the same
frames over WebSocket for participants that can only speak HTTP.

The client keeps one participant connected: it announces the user with a JOIN, sends heartbeats while connected and
reconnects with an exponentially growing delay when the connection is lost.

*/
package main
