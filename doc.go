// Package workers spawns isolated workers (separate OS processes or
// goroutines) and exchanges typed request/response messages with them over a
// byte-stream transport, with timeouts, retries, and crash recovery.
//
// # Architecture
//
// Communication is built on two contracts:
//   - Driver: pluggable transport that spawns a worker and yields a Channel
//   - Channel: live, bidirectional, message-oriented connection
//
// All correlation, timeout, and retry logic is driver-agnostic; concrete
// drivers only implement the Channel contract. Three drivers ship with the
// package: a process driver (child process over a unix domain socket), a
// thread driver (goroutine over an in-memory message port), and a ZeroMQ
// driver (child process over a DEALER/ROUTER pair).
//
// # Quick Start
//
// Host side:
//
//	client, err := workers.CreateWorker(ctx, workers.WorkerOptions{
//	    Driver:     workers.NewProcessDriver(),
//	    ScriptPath: "./bin/echo-worker",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	result, err := client.Send(ctx, "ping", map[string]any{"message": "hi"})
//
// Worker side:
//
//	server, err := workers.StartWorkerServer(map[string]workers.Handler{
//	    "ping": func(ctx context.Context, payload any) (any, error) {
//	        return payload, nil
//	    },
//	}, workers.ServerOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Run()
//
// The worker reads its endpoint and related settings from environment
// variables set by the spawning side (WORKER_IPC_ENDPOINT and friends).
//
// # Capabilities
//
// Each driver carries a static capability set (reconnect, detach, shared
// memory) decided once at driver construction. Capability-gated operations
// are reached through companion surfaces such as Reconnectable rather than
// probed at call time.
package workers

// Version is the current library version
const Version = "1.0.0"
