package engine

import (
	"context"

	"github.com/Iron-Ham/pathwatch/internal/dispatch"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/event"
	"github.com/Iron-Ham/pathwatch/internal/model"
	"github.com/Iron-Ham/pathwatch/internal/schedule"
)

// WatchJob selects the job shown in the activity view and pulls its
// snapshot. Watching another id cancels timers and pulls for the previous
// one; an empty id stops watching.
func (s *Session) WatchJob(jobID string) {
	s.loop.Post(func() { s.watchJob(jobID) })
}

// WatchedJob returns the watched job id.
func (s *Session) WatchedJob() string {
	return s.feed.Watching()
}

func (s *Session) watchJob(jobID string) {
	if jobID == s.watchedJob && s.watchHandle != nil {
		return
	}
	s.watchHandle.Cancel()
	if s.unmountActivity != nil {
		s.unmountActivity()
		s.unmountActivity = nil
	}
	s.watchedJob = jobID
	s.feed.Watch(jobID, model.Job{})

	if jobID == "" {
		s.watchHandle = nil
		return
	}
	h := schedule.NewHandle()
	s.watchHandle = h
	s.unmountActivity = s.conv.Mount(FeatureActivity, func() { s.pullWatchedJob(h, "reconnect") })
	s.pullWatchedJob(h, "watch")
}

func (s *Session) pullWatchedJob(h *schedule.Handle, reason string) {
	jobID := s.watchedJob
	if jobID == "" || h.Cancelled() {
		return
	}
	s.pull(func(ctx context.Context) func() {
		job, err := s.backend.GetJob(ctx, jobID)
		return func() {
			if h.Cancelled() || s.watchedJob != jobID {
				return
			}
			if err != nil {
				s.logger.WithJob(jobID).Debug("job pull failed", "reason", reason, "error", err.Error())
				return
			}
			if job.ID == "" {
				job.ID = jobID
			}
			s.feed.Apply(job)
		}
	})
}

func (s *Session) applyJobFeed(e dispatch.JobFeedEffect) {
	if e.Phase == dispatch.PhaseRestarted {
		s.feed.Restart(e.Job)
		return
	}
	s.feed.Apply(e.Job)
	if !e.Phase.Terminal() {
		return
	}
	s.bus.Publish(event.NewJobTerminalEvent(e.Job.ID, e.Job.Type, string(e.Job.Status), e.Job.Error))
	if e.Job.ID == s.watchedJob && s.watchHandle != nil {
		s.conv.Terminal(FeatureActivity, func(h *schedule.Handle) {
			s.pullWatchedJob(h, "terminal")
		})
	}
}

func (s *Session) applyInvalidate(e dispatch.InvalidateEffect) {
	reason := "job " + e.Phase.String()
	if p, ok := s.patches.Resolve(e.Job.ID, e.Phase == dispatch.PhaseDone); ok {
		s.bus.Publish(event.NewPatchResolvedEvent(p.JobID, p.NodeID, p.BlockID, e.Phase == dispatch.PhaseDone))
	}
	s.logger.WithJob(e.Job.ID).Debug("invalidating", "collection", e.Collection, "key", e.Key, "reason", reason)
	s.bus.Publish(event.NewInvalidatedEvent(e.Collection, e.Key, reason))

	switch e.Collection {
	case "path":
		s.pullPaths("invalidate")
	case "thread":
		if e.Key == s.threadID && s.threadHandle != nil {
			s.pullMessages(s.threadHandle, "invalidate")
		}
	}
}

// CancelJob asks the backend to cancel jobID. The outcome arrives over the
// push channel; a rejection is returned and published but changes no
// local state.
func (s *Session) CancelJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.NewValidationError("job id cannot be empty").WithField("job_id")
	}
	cctx, cancel := s.call(ctx)
	defer cancel()
	if err := s.backend.CancelJob(cctx, jobID); err != nil {
		s.commandFailed("cancel job", jobID, err, "")
		return err
	}
	s.logger.WithJob(jobID).Info("cancel requested")
	return nil
}

// RestartJob asks the backend to restart jobID. Like CancelJob, local state
// changes only when the restarted event arrives.
func (s *Session) RestartJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.NewValidationError("job id cannot be empty").WithField("job_id")
	}
	cctx, cancel := s.call(ctx)
	defer cancel()
	if _, err := s.backend.RestartJob(cctx, jobID); err != nil {
		s.commandFailed("restart job", jobID, err, "")
		return err
	}
	s.logger.WithJob(jobID).Info("restart requested")
	return nil
}

// PatchBlock enqueues a document patch for one block of nodeID and tracks
// the block as pending until the patch job finishes. Tracking runs on the
// loop so a job that finished before the backend call returned is resolved
// at once.
func (s *Session) PatchBlock(ctx context.Context, nodeID string, patch model.BlockPatch) (model.Job, error) {
	if nodeID == "" || patch.BlockID == "" {
		return model.Job{}, errors.NewValidationError("node id and block id are required").WithField("block_id")
	}
	cctx, cancel := s.call(ctx)
	defer cancel()
	job, err := s.backend.PatchBlock(cctx, nodeID, patch)
	if err != nil {
		s.commandFailed("patch block", nodeID, err, "")
		return model.Job{}, err
	}
	if job.ID == "" {
		return job, nil
	}
	s.loop.Do(func() {
		if success, done := s.patches.Track(job.ID, nodeID, patch.BlockID); done {
			s.bus.Publish(event.NewPatchResolvedEvent(job.ID, nodeID, patch.BlockID, success))
		}
		if job.Status == "" {
			job.Status = model.JobQueued
		}
		s.feed.Apply(job)
	})
	return job, nil
}
