// Package logx is postbot's logging layer over zerolog: short console lines
// with file:line callers, an optional JSON file, and a rate-limited live feed
// that the HTTP API streams to the dashboard.
package logx
