// Package eurus provides the asynchronous log-delivery core used between
// producer goroutines and a downstream log sink.
//
// Eurus accepts log records from arbitrarily many producers with
// sub-microsecond latency and conveys them, in total timestamp order, to
// a single subordinate Target that performs the actual I/O. It is the
// delivery layer only: formatting, filtering, and the sinks themselves
// are collaborators behind the Target interface.
//
// # Delivery strategies
//
// Four strategies trade latency, throughput, and ordering differently:
//
//   - DeferredTarget — mutex and condition-variable hand-off to one
//     worker. The correctness baseline.
//   - QueuedTarget — batching accumulator that ships when the batch is
//     big enough or old enough, with one sub-target flush per batch.
//   - QuantumTarget — one lock-free MPSC ring buffer drained by one
//     reader goroutine. Producer latency in the tens of nanoseconds.
//   - MultiQuantumTarget — one ring per producer goroutine, a pool of
//     readers, and a sorting funnel that restores global timestamp
//     order before shipping.
//
// # Quick start
//
// Quantum delivery in front of any Target:
//
//	target, err := eurus.NewQuantumTarget(&eurus.QuantumConfig{
//		SubTarget:        sink,
//		RingBufferSize:   8192,
//		CongestionPolicy: eurus.DiscardLog,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	target.Start()
//	defer target.Stop()
//
//	target.Write(eurus.NewRecord(eurus.LevelInfo, "core", payload))
//
// Multi-quantum delivery for flooding scenarios, with an explicit
// producer handle per goroutine:
//
//	target, _ := eurus.NewMultiQuantumTarget(&eurus.MultiQuantumConfig{
//		SubTarget:   sink,
//		ReaderCount: 2,
//		MaxThreads:  128,
//	})
//	target.Start()
//
//	p, _ := target.AttachProducer(workerID)
//	defer p.Release()
//	p.Write(rec)
//
// # Congestion policies
//
// When a ring is full the producer-side behavior is selected by the
// congestion policy: Wait spins with back-off and never loses a record,
// DiscardLog drops log records but admits flush sentinels, DiscardAll
// drops everything except the terminal poison. Wait couples producer
// latency to consumer throughput; prefer DiscardLog when producer
// latency is strict. Drops are never surfaced as Write errors — log
// producers must not be impeded by log infrastructure — and show up only
// in Stats.
//
// # Ordering
//
// Within one producer goroutine, delivery order equals production order
// for every strategy. Across producers, MultiQuantumTarget delivers in
// non-decreasing timestamp order up to a safe watermark derived from the
// per-thread maximum timestamps published by the readers. The one
// relaxation: a brand-new producer that no reader has seen yet does not
// constrain the watermark, so its very first records can be overtaken.
//
// # Flush and stop
//
// Flush and stop travel in-band as sentinels so they take effect at
// their position in the stream. Flush on the quantum and multi-quantum
// targets is synchronous; on the deferred and queued targets it is
// fire-and-forget. Stop drains, flushes the sub-target once, stops it,
// and is bounded by the shutdown timeout — whatever the drain could not
// deliver in time is dropped and counted.
//
// # Runtime tunables
//
// The reader collect period and the read batch size can be adjusted
// while the target runs, either directly (SetCollectPeriod,
// SetMaxBatchSize) or hot-reloaded from a watched configuration file via
// WatchTunables.
package eurus
