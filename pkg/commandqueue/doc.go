// Package commandqueue provides lane-based task serialization. Each
// conversation thread gets its own lane with concurrency 1, so message
// dispatches for the same thread never interleave while independent
// threads run in parallel.
package commandqueue
