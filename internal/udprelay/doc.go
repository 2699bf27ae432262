// Package udprelay implements the server-side UDP session table (C5):
// the map from assoc_id to an outbound UDP socket, the per-(assoc_id, addr)
// reassembly buffers that reconstruct a UDP message split across multiple
// Packet fragments, and the idle-eviction sweep. See spec.md §3 and §4.5.
package udprelay
