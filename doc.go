// Package genmqtt provides a long-lived MQTT client modeled as an actor: a
// single event loop goroutine owns the connection, the user state, and the
// delivery of all handler hooks, so user code never needs its own locking.
//
// A client is built with New (or NewFromConnectionString / NewFromEnv) and
// brought to life with Start, which takes the Handlers hook set and the
// initial arguments. From then on the client connects, subscribes, routes
// incoming publishes to OnPublish by topic-filter matching, answers
// synchronous Call requests through OnCall, and reconnects on transient
// connection loss at a fixed interval. Stop shuts it down and runs the
// Terminate hook exactly once.
package genmqtt
