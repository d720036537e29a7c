package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zpdzap/drydock/internal/engine"
	"github.com/zpdzap/drydock/internal/notify"
)

// ImageStatus is the local availability of an image.
type ImageStatus string

const (
	ImageInstalled ImageStatus = "installed"
	ImageNotFound  ImageStatus = "not-found"
	ImagePulling   ImageStatus = "pulling"
)

// Images checks image availability and runs pulls and builds. Only one
// pull or build runs at a time across the whole engine.
type Images struct {
	engine    engine.Engine
	publisher notify.Publisher
	logger    *slog.Logger

	mu     sync.Mutex
	active string
}

func NewImages(eng engine.Engine, publisher notify.Publisher, logger *slog.Logger) *Images {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if publisher == nil {
		publisher = notify.Discard{}
	}
	return &Images{engine: eng, publisher: publisher, logger: logger}
}

// Status reports whether ref is present locally. It never pulls.
func (im *Images) Status(ctx context.Context, ref string) (ImageStatus, error) {
	im.mu.Lock()
	pulling := im.active == ref
	im.mu.Unlock()
	if pulling {
		return ImagePulling, nil
	}
	ok, err := im.engine.ImageExists(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if ok {
		return ImageInstalled, nil
	}
	return ImageNotFound, nil
}

// Active returns the ref currently being pulled or built, if any.
func (im *Images) Active() string {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.active
}

func (im *Images) acquire(ref string) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.active != "" {
		return fmt.Errorf("%w (%s)", ErrPullInFlight, im.active)
	}
	im.active = ref
	return nil
}

func (im *Images) release() {
	im.mu.Lock()
	im.active = ""
	im.mu.Unlock()
}

// Pull pulls ref and publishes progress. It fails with ErrPullInFlight
// if another pull or build is running.
func (im *Images) Pull(ctx context.Context, ref string) error {
	if err := im.acquire(ref); err != nil {
		return err
	}
	defer im.release()
	return im.pull(ctx, ref)
}

// StartPull is Pull in the background. The in-flight check happens before
// it returns.
func (im *Images) StartPull(ctx context.Context, ref string) error {
	if err := im.acquire(ref); err != nil {
		return err
	}
	go func() {
		defer im.release()
		if err := im.pull(ctx, ref); err != nil {
			im.logger.Error("image pull failed", "image", ref, "error", err)
		}
	}()
	return nil
}

func (im *Images) pull(ctx context.Context, ref string) error {
	im.logger.Info("pulling image", "image", ref)
	err := im.engine.PullImage(ctx, ref, im.progress)
	im.finish(ref, err)
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	return nil
}

// Build builds a repository Dockerfile. Builds share the pull slot.
func (im *Images) Build(ctx context.Context, opts engine.BuildOptions) error {
	if err := im.acquire(opts.Tag); err != nil {
		return err
	}
	defer im.release()

	im.logger.Info("building image", "image", opts.Tag, "dockerfile", opts.Dockerfile)
	opts.Progress = im.progress
	err := im.engine.BuildImage(ctx, opts)
	im.finish(opts.Tag, err)
	if err != nil {
		return fmt.Errorf("building %s: %w", opts.Tag, err)
	}
	return nil
}

func (im *Images) progress(p engine.PullProgress) {
	im.publisher.Publish(notify.Message{Kind: notify.ImagePullProgress, At: time.Now(), Progress: &p})
}

func (im *Images) finish(ref string, err error) {
	msg := notify.Message{Kind: notify.ImagePullProgress, At: time.Now(), Status: "done"}
	p := engine.PullProgress{Ref: ref, Status: "done"}
	if err != nil {
		msg.Status = "failed"
		msg.Reason = err.Error()
		p.Status = "failed"
	}
	msg.Progress = &p
	im.publisher.Publish(msg)
}
