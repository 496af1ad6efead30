package conversation

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"

	"github.com/hoshilabs/hoshi-core/internal/protocol"
)

// Sender delivers envelopes to the connected client. The gateway session
// implements it; tests substitute a capture.
type Sender interface {
	Send(env protocol.Envelope) error
}

type fetchFunc func(ctx context.Context) (io.ReadCloser, error)

type fetchResult struct {
	rc  io.ReadCloser
	err error
}

type playbackTask struct {
	text  string
	ready chan fetchResult
}

// Queue is the strictly-ordered playback pipeline: tasks are enqueued at
// segment-boundary time and a single worker streams each task's audio to the
// client in enqueue order, regardless of how fast individual TTS fetches
// resolve. Stop cancels the in-flight stream and empties the queue.
type Queue struct {
	sender    Sender
	chunkSize int
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	epoch       context.Context
	epochCancel context.CancelFunc
	tasks       []*playbackTask
	current     io.ReadCloser
	notify      chan struct{}
}

func newQueue(parent context.Context, sender Sender, chunkSize int, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		sender:    sender,
		chunkSize: chunkSize,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		notify:    make(chan struct{}, 1),
	}
	q.epoch, q.epochCancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue registers a segment for playback and starts its fetch immediately.
// Playback order equals enqueue order.
func (q *Queue) Enqueue(text string, fetch fetchFunc) {
	q.mu.Lock()
	epoch := q.epoch
	task := &playbackTask{text: text, ready: make(chan fetchResult, 1)}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		rc, err := fetch(epoch)
		task.ready <- fetchResult{rc: rc, err: err}
	}()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Stop cancels the currently-streaming source and drops all queued tasks.
// Safe to call repeatedly and concurrently with playback.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.epochCancel()
	q.epoch, q.epochCancel = context.WithCancel(q.ctx)
	q.tasks = nil
	current := q.current
	q.current = nil
	q.mu.Unlock()
	if current != nil {
		_ = current.Close()
	}
}

// Close tears the queue down for good.
func (q *Queue) Close() {
	q.Stop()
	q.cancel()
	q.wg.Wait()
}

// Idle reports whether nothing is queued or streaming.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 0 && q.current == nil
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}
		for {
			q.mu.Lock()
			if len(q.tasks) == 0 {
				q.mu.Unlock()
				break
			}
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			epoch := q.epoch
			q.mu.Unlock()
			q.play(epoch, task)
		}
	}
}

func (q *Queue) play(epoch context.Context, task *playbackTask) {
	var res fetchResult
	select {
	case <-epoch.Done():
		// Fetch may still resolve; dispose of its stream when it does.
		go func() {
			if r := <-task.ready; r.rc != nil {
				_ = r.rc.Close()
			}
		}()
		return
	case res = <-task.ready:
	}
	if res.err != nil {
		if epoch.Err() == nil {
			q.logger.Warn("tts fetch failed", slog.String("error", res.err.Error()))
			q.send(protocol.Envelope{Type: protocol.TypeError, Data: "audio synthesis failed"})
		}
		return
	}

	rc := res.rc
	q.mu.Lock()
	if epoch.Err() != nil {
		q.mu.Unlock()
		_ = rc.Close()
		return
	}
	q.current = rc
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		if q.current == rc {
			q.current = nil
		}
		q.mu.Unlock()
		_ = rc.Close()
	}()

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		if epoch.Err() != nil {
			return
		}
		n, err := rc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for len(buf) >= q.chunkSize {
				if epoch.Err() != nil {
					return
				}
				q.sendAudio(buf[:q.chunkSize])
				buf = buf[q.chunkSize:]
			}
		}
		if err == io.EOF {
			if epoch.Err() == nil {
				if len(buf) > 0 {
					q.sendAudio(buf)
				}
				q.send(protocol.Envelope{Type: protocol.TypeAudioEnd})
			}
			return
		}
		if err != nil {
			// A cancelled epoch closes the source under us; that read error
			// is expected and silent.
			if epoch.Err() == nil {
				q.logger.Warn("audio stream error", slog.String("error", err.Error()))
				q.send(protocol.Envelope{Type: protocol.TypeError, Data: "audio stream error"})
			}
			return
		}
	}
}

func (q *Queue) sendAudio(chunk []byte) {
	q.send(protocol.Envelope{
		Type: protocol.TypeAudio,
		Data: base64.StdEncoding.EncodeToString(chunk),
	})
}

func (q *Queue) send(env protocol.Envelope) {
	if err := q.sender.Send(env); err != nil {
		q.logger.Debug("send failed", slog.String("error", err.Error()))
	}
}
