// Package irc is the client-connection protocol engine for building IRC
// servers: it frames the inbound byte stream into lines, drives the
// authentication and capability-negotiation handshake, classifies
// post-authentication commands into typed events for the host application,
// and provides an outbound encoder mirroring the IRC wire grammar.
//
// All higher-level semantics (channel membership, message routing,
// moderation, nick policy) belong to the embedding application, supplied
// through the per-connection event handlers.
package irc
