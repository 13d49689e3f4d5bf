// Package sparsefb provides a sparse tiled framebuffer with adaptive render
// task scheduling for progressive, distributed rendering.
//
// # Overview
//
// A logical image is divided into 32x32 pixel tiles. A SparseFrameBuffer owns
// an arbitrary subset of those tiles (for example the tiles one worker is
// responsible for) together with their per-pixel accumulation and variance
// buffers, per-task accumulation ids, and per-task error estimates. Each tile
// is split into fixed-size render tasks; RenderTaskIDs returns the tasks a
// rendering kernel should execute this frame, optionally skipping tasks whose
// error estimate has converged below a threshold.
//
// # Quick Start
//
//	fb, err := sparsefb.New(1024, 768,
//	    sparsefb.WithChannels(sparsefb.ChannelColor, sparsefb.ChannelAccum, sparsefb.ChannelVariance))
//	if err != nil {
//	    return err
//	}
//	defer fb.Close()
//
//	if err := fb.SetTiles([]uint32{0, 1, 2, 3}, 0); err != nil {
//	    return err
//	}
//	for frame := 0; frame < 16; frame++ {
//	    fb.BeginFrame()
//	    tasks := fb.RenderTaskIDs(0.01)
//	    render(fb.Descriptor(), tasks) // kernel writes samples and task errors
//	}
//
// # Memory
//
// Per-tile and per-task state lives in managed buffers with a host copy, a
// device copy, or both. Synchronization is explicit: SetTiles and Clear push
// their host-side initialization to the device; Tiles and TaskAccumIDs pull
// device state back, and Tiles coalesces repeated reads within one frame.
//
// # Concurrency
//
// SetTiles, BeginFrame, Clear, SetTaskError, Tiles and TaskAccumIDs must be
// serialized by the caller. Read-only queries (RenderTaskIDs with a zero
// threshold, TileIDs, TaskError, TileAccumID, FrameID, Descriptor) may run
// concurrently with each other and with BeginFrame.
//
// # Logging
//
// The package is silent by default. Call SetLogger to route diagnostics to a
// log/slog logger.
package sparsefb
