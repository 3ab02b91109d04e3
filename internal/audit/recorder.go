package audit

import (
	"context"

	"github.com/nerrad567/onecta-bridge/internal/infrastructure/logging"
)

// recorderBuffer is the number of entries queued before Record drops.
const recorderBuffer = 256

// Recorder writes entries asynchronously so that command paths never wait
// on SQLite. Entries are best-effort: when the queue is full they are
// dropped with a warning.
type Recorder struct {
	repo   Repository
	logger *logging.Logger
	ch     chan *Entry
}

// NewRecorder creates a Recorder. Call Run to start writing.
func NewRecorder(repo Repository, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{
		repo:   repo,
		logger: logger,
		ch:     make(chan *Entry, recorderBuffer),
	}
}

// Record queues an entry.
func (r *Recorder) Record(e *Entry) {
	if r == nil {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.logger.Warn("audit queue full, dropping entry",
			"action", e.Action,
			"entity_id", e.EntityID,
		)
	}
}

// Run writes queued entries until ctx is cancelled, then drains what is
// left and returns.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.ch:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.ch:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e *Entry) {
	// The caller's context may already be done during shutdown drain.
	if err := r.repo.Create(context.Background(), e); err != nil {
		r.logger.Error("audit write failed",
			"action", e.Action,
			"entity_id", e.EntityID,
			"error", err,
		)
	}
}
