// Package tuicclient implements the client side of a qtun connection (C7):
// authenticating to a server, opening TCP relay streams, and sending and
// receiving fragmented UDP packets over reliable uni-streams or unreliable
// datagrams. See spec.md §4.7.
package tuicclient
