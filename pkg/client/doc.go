// Package client is a small HTTP client for the status endpoints served
// by pkg/api. The CLI uses it to inspect a running host.
package client
