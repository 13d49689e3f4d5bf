// Command sfbdemo renders a noisy test image progressively into a sparse
// framebuffer, using per-task error estimates to skip converged tasks.
//
// The image's tiles are dealt round-robin to -ranks workers; this process
// renders the tiles of -rank. With -out the owned tiles are written to a PNG.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/sparsefb"
	"github.com/gogpu/sparsefb/internal/kernel"
	"github.com/gogpu/sparsefb/internal/parallel"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML configuration file")
		width      = flag.Int("width", 0, "image width (overrides config)")
		height     = flag.Int("height", 0, "image height (overrides config)")
		workers    = flag.Int("workers", 0, "worker goroutines (0 = GOMAXPROCS)")
		rank       = flag.Int("rank", 0, "rank of this worker")
		ranks      = flag.Int("ranks", 1, "number of workers sharing the image")
		frames     = flag.Int("frames", 32, "frames to render")
		threshold  = flag.Float64("threshold", 0.02, "task error threshold (0 renders every task)")
		backend    = flag.String("backend", "", "frame update backend: cpu or device (overrides config)")
		output     = flag.String("out", "", "write the owned tiles to this PNG file")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	sparsefb.SetLogger(logger)

	if err := run(logger, runConfig{
		configPath: *configPath,
		width:      *width,
		height:     *height,
		workers:    *workers,
		rank:       *rank,
		ranks:      *ranks,
		frames:     *frames,
		threshold:  float32(*threshold),
		backend:    *backend,
		output:     *output,
	}); err != nil {
		logger.Error("sfbdemo failed", "err", err)
		os.Exit(1)
	}
}

type runConfig struct {
	configPath    string
	width, height int
	workers       int
	rank, ranks   int
	frames        int
	threshold     float32
	backend       string
	output        string
}

func run(logger *slog.Logger, rc runConfig) error {
	cfg := sparsefb.DefaultConfig()
	cfg.Channels = []string{"color", "accum", "variance"}
	if rc.configPath != "" {
		var err error
		if cfg, err = sparsefb.LoadConfig(rc.configPath); err != nil {
			return err
		}
	}
	if rc.width > 0 {
		cfg.Width = rc.width
	}
	if rc.height > 0 {
		cfg.Height = rc.height
	}
	if rc.backend != "" {
		cfg.Backend = rc.backend
	}
	if rc.workers > 0 {
		cfg.Workers = rc.workers
	}
	if rc.ranks < 1 || rc.rank < 0 || rc.rank >= rc.ranks {
		return fmt.Errorf("rank %d out of range for %d ranks", rc.rank, rc.ranks)
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	pool := parallel.NewWorkerPool(cfg.Workers)
	defer pool.Close()
	exec := parallel.NewPoolExecutor(pool)

	fb, err := sparsefb.New(cfg.Width, cfg.Height, append(opts, sparsefb.WithExecutor(exec))...)
	if err != nil {
		return err
	}
	defer fb.Close()

	grid := fb.TotalTiles()
	if err := fb.SetTiles(assignTiles(grid.X*grid.Y, rc.rank, rc.ranks), 0); err != nil {
		return err
	}
	logger.Info("framebuffer ready",
		"size", fb.Size(),
		"tiles", fb.NumTiles(),
		"tasks", fb.TotalRenderTasks(),
		"channels", fb.Channels(),
		"backend", fb.Backend())

	r := kernel.NewRenderer(noisyScene(cfg.Width, cfg.Height), exec)
	for frame := range rc.frames {
		if err := fb.BeginFrame(); err != nil {
			return err
		}
		ids := fb.RenderTaskIDs(rc.threshold)
		if len(ids) == 0 {
			logger.Info("converged", "frame", frame)
			break
		}
		r.Render(fb.Descriptor(), ids)
		logger.Info("frame rendered", "frame", frame, "active_tasks", len(ids), "total_tasks", fb.TotalRenderTasks())
	}
	logger.Debug("device", "stats", fb.DeviceStats())

	if rc.output == "" {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	kernel.Resolve(fb.Descriptor(), img)
	return writePNG(rc.output, img)
}

// assignTiles deals tile ids 0..total-1 round-robin and returns those of rank.
func assignTiles(total, rank, ranks int) []uint32 {
	ids := make([]uint32, 0, total/ranks+1)
	for id := rank; id < total; id += ranks {
		ids = append(ids, uint32(id)) //nolint:gosec // tile ids fit in uint32
	}
	return ids
}

// noisyScene returns a smooth gradient with per-sample noise whose amplitude
// grows from left to right, so tasks converge at different rates.
func noisyScene(w, h int) kernel.Shader {
	return func(x, y int, frame int32) f32.Vec4 {
		u := float32(x) / float32(w)
		v := float32(y) / float32(h)
		n := (hash(uint32(x), uint32(y), uint32(frame)) - 0.5) * u * 0.6 //nolint:gosec // non-negative pixel coords
		return f32.Vec4{clamp(u + n), clamp(v + n), clamp(0.5 + n), 1}
	}
}

// hash maps a pixel and frame to a pseudo-random value in [0, 1).
func hash(x, y, frame uint32) float32 {
	h := x*0x8da6b343 ^ y*0xd8163841 ^ frame*0xcb1ab31f
	h ^= h >> 16
	h *= 0x7feb352d
	h ^= h >> 15
	h *= 0x846ca68b
	h ^= h >> 16
	return float32(h>>8) / (1 << 24)
}

func clamp(v float32) float32 {
	return min(max(v, 0), 1)
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
