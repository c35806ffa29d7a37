// Package chat implements real-time multi-room messaging coordination.
//
// It keeps WebSocket lifecycle, message sequencing, and fan-out isolated
// behind an in-memory hub so transports stay thin and the registries remain
// the single source of truth for who is online and where.
package chat
