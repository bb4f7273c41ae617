// Package scheduler runs jobs in named buckets with bounded concurrency.
//
// Each bucket launches its jobs in enqueue order with at most MaxConcurrent
// running at once. A bucket has one executor goroutine that exists only
// while the bucket has pending or running jobs. A failing or panicking job
// settles its own Future and never affects the others.
package scheduler
