package detector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// Replay reads pre-recorded landmark frames from a JSON-lines file and
// replays them at a fixed rate. It stands in for a live detector process
// during development and load testing.
type Replay struct {
	path   string
	fps    int
	loop   bool
	out    chan Frame
	stop   chan struct{}
	logger *zap.Logger
}

// NewReplay creates a replay source. fps <= 0 defaults to 30.
func NewReplay(path string, fps int, loop bool, logger *zap.Logger) *Replay {
	if fps <= 0 {
		fps = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replay{
		path:   path,
		fps:    fps,
		loop:   loop,
		out:    make(chan Frame),
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Frames returns the frame channel. Start must have been called.
func (r *Replay) Frames() <-chan Frame { return r.out }

// Start begins replaying frames in a background goroutine.
func (r *Replay) Start() error {
	if _, err := os.Stat(r.path); err != nil {
		return fmt.Errorf("landmark file: %w", err)
	}
	go r.run()
	return nil
}

// Close stops the replay and closes the frame channel.
func (r *Replay) Close() error {
	close(r.stop)
	return nil
}

func (r *Replay) run() {
	defer close(r.out)
	interval := time.Second / time.Duration(r.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		file, err := os.Open(r.path)
		if err != nil {
			r.logger.Error("open landmark file", zap.Error(err))
			return
		}
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
		for scanner.Scan() {
			var f Frame
			if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
				r.logger.Warn("skip malformed landmark line", zap.Error(err))
				continue
			}
			seq++
			f.Seq = seq
			f.Timestamp = time.Now()
			select {
			case <-r.stop:
				file.Close()
				return
			case <-ticker.C:
				r.out <- f
			}
		}
		file.Close()
		if err := scanner.Err(); err != nil {
			r.logger.Error("read landmark file", zap.Error(err))
			return
		}
		if !r.loop {
			return
		}
	}
}
