// Package server assembles the warden daemon: subscription store, access
// document, proxy controller, reconciler, HTTP API, and the sweep
// scheduler, under one Run/Shutdown lifecycle.
//
// The server listens either on a plain TCP address or as a tsnet node on a
// tailnet (optionally with TLS certificates or a public Funnel). Sweeps
// run on a cron schedule with overlapping ticks skipped, preserving the
// reconciler's single-flight requirement.
//
// Shutdown order matters: the scheduler drains first so an in-flight sweep
// finishes its restart decision, then the HTTP server stops accepting
// requests, then stores close.
package server
