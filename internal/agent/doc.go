// Package agent implements the offline request policy: which requests are served
// from the cache store, which go to the network, and what is synthesized when the
// network is unreachable.
//
// The policy itself is made of pure pieces (Classify, ResolveAPI, ResolveStatic)
// composed by Agent, one per cache generation. Controller owns the lifecycle:
// it installs a generation, promotes it without waiting and claims every client.
package agent
