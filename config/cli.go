package config

import "net/url"

// Cli holds every flag the worker accepts, bound by cmd/encoder-worker's
// flag set via peterbourgon/ff/v3 (flags + env vars + optional flag file).
type Cli struct {
	DataDir string

	// Gateway
	GatewayURL string

	// Database Verifier (optional; empty disables it)
	DatabaseConnectionString string

	// Direct API Server
	DirectAPIEnabled bool
	DirectAPIAddr    string
	DirectAPIKey     string

	// Content store (IPFS-shaped daemon)
	ContentStoreDaemonURL string
	ContentStoreGateways   []*url.URL
	LocalPinFallback       bool

	// Encoder
	FFmpegPath    string
	FFprobePath   string
	MaxConcurrent int

	// Identity
	IdentityDisplayName string

	PromAddr string
}
