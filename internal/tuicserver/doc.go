// Package tuicserver implements the server side of a qtun connection (C6):
// the per-connection state machine that authenticates a client, then
// concurrently accepts TCP relay streams, reliable UDP fragment streams,
// unreliable UDP fragment datagrams, and the control stream carrying
// Heartbeat and Dissociate. See spec.md §4.6.
package tuicserver
