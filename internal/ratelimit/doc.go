// Package ratelimit implements fixed-window admission control.
//
// A CounterStore owns the per-key records and applies one request to a record
// atomically. The Limiter turns the store's outcome into a Decision for the
// HTTP layer and fails open when the store is unavailable.
package ratelimit
