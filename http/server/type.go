// Package httpserver builds the HTTP servers of the process.
package httpserver

import (
	"time"
)

// Config contains base configuration for an HTTP server.
type Config struct {
	Name    string
	Port    int
	Timeout time.Duration
}

func (c Config) name() string {
	if c.Name == "" {
		return "http.server"
	}

	return c.Name
}

// TimeoutMessage is the response body for request timeouts.
const TimeoutMessage = `{"error":"context deadline exceeded"}`
