// Package id provides compact, time-ordered task identifiers.
//
// IDs sort lexicographically in creation order, which lets storage indexes
// and in-memory heaps use the raw bytes as a FIFO tiebreaker without a
// separate sequence column.
package id
