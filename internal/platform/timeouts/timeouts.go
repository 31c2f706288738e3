// Package timeouts defines timeouts shared by the sheetsync processes.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Dial caps one attempt to reach a relay, database or broker at startup.
const Dial = 5 * time.Second
