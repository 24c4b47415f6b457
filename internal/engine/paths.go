package engine

import (
	"context"
	"time"

	"github.com/Iron-Ham/pathwatch/internal/collection"
	"github.com/Iron-Ham/pathwatch/internal/decode"
	"github.com/Iron-Ham/pathwatch/internal/dispatch"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/event"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

// MountPaths pulls the path list and re-pulls it on every reconnect until
// the returned function is called.
func (s *Session) MountPaths() (unmount func()) {
	unmount = s.conv.Mount(FeaturePaths, func() { s.pullPaths("reconnect") })
	s.loop.Post(func() { s.pullPaths("mount") })
	return unmount
}

// LoadPaths queues a full path list pull.
func (s *Session) LoadPaths() {
	s.loop.Post(func() { s.pullPaths("load") })
}

func (s *Session) pullPaths(reason string) {
	s.pull(func(ctx context.Context) func() {
		paths, err := s.backend.ListPaths(ctx)
		return func() {
			if err != nil {
				s.logger.Warn("path list pull failed", "reason", reason, "error", err.Error())
				return
			}
			s.logger.Debug("path list pulled", "reason", reason, "count", len(paths))
			s.paths.Update(func(cur []*model.Path) []*model.Path {
				return s.mergePulledPaths(cur, paths)
			})
		}
	})
}

// mergePulledPaths merges a pull over the local list. A pulled path that
// belongs to a job still shown as a placeholder takes the placeholder's
// place.
func (s *Session) mergePulledPaths(cur, pulled []*model.Path) []*model.Path {
	for _, p := range pulled {
		if p.JobID != "" && !p.Placeholder {
			if i := collection.IndexOf(cur, model.PlaceholderID(p.JobID)); i >= 0 {
				cur = s.shadow.Promote(cur, p.JobID, p)
				continue
			}
		}
		cur = collection.Upsert(cur, p, collection.Options{Order: collection.NewestFirst})
	}
	return cur
}

func (s *Session) applyPathJob(e dispatch.PathJobEffect) {
	log := s.logger.WithJob(e.Event.JobID)
	switch e.Phase {
	case dispatch.PhaseCreated:
		s.updatePaths(func(p []*model.Path) []*model.Path { return s.shadow.Created(p, e.Event) })
	case dispatch.PhaseProgress:
		s.updatePaths(func(p []*model.Path) []*model.Path { return s.shadow.Progress(p, e.Event) })
	case dispatch.PhaseFailed:
		log.Info("path build failed", "error", e.Event.Error)
		s.updatePaths(func(p []*model.Path) []*model.Path { return s.shadow.Failed(p, e.Event) })
	case dispatch.PhaseCanceled:
		log.Info("path build canceled")
		s.updatePaths(func(p []*model.Path) []*model.Path { return s.shadow.Canceled(p, e.Event) })
	case dispatch.PhaseRestarted:
		log.Info("path build restarted")
		s.updatePaths(func(p []*model.Path) []*model.Path { return s.shadow.Restarted(p, e.Event) })
	case dispatch.PhaseDone:
		s.updatePaths(func(p []*model.Path) []*model.Path { return s.shadow.MarkDone(p, e.Event) })
		target := e.Event.TargetID
		if target == "" {
			target = decode.PathIDFromJob(e.Job)
		}
		s.promote(e.Event.JobID, target)
	}
}

func (s *Session) updatePaths(fn func([]*model.Path) []*model.Path) {
	s.paths.Update(fn)
}

// promote fetches the finished job's path and swaps it in for the
// placeholder. Without a path id the job snapshot is fetched to find one.
// Any failure falls back to re-pulling the whole list.
func (s *Session) promote(jobID, pathID string) {
	log := s.logger.WithJob(jobID)
	s.pull(func(ctx context.Context) func() {
		id := pathID
		if id == "" {
			job, err := s.backend.GetJob(ctx, jobID)
			if err != nil {
				return func() {
					log.Warn("finished job pull failed, re-pulling paths", "error", err.Error())
					s.pullPaths("promote fallback")
				}
			}
			id = decode.PathIDFromJob(job)
			if id == "" {
				id = job.EntityID
			}
		}
		if id == "" {
			return func() {
				log.Warn("finished job names no path, re-pulling paths")
				s.pullPaths("promote fallback")
			}
		}
		real, err := s.backend.GetPath(ctx, id)
		return func() {
			if err != nil || real == nil {
				if err == nil {
					err = errors.NewNotFoundError("path", id)
				}
				log.Warn("path pull after job done failed, re-pulling paths", "path_id", id, "error", err.Error())
				s.pullPaths("promote fallback")
				return
			}
			promoted := *real
			if promoted.JobID == "" {
				promoted.JobID = jobID
			}
			promoted.Placeholder = false
			s.updatePaths(func(p []*model.Path) []*model.Path { return s.shadow.Promote(p, jobID, &promoted) })
			log.Info("placeholder promoted", "path_id", real.ID)
			s.bus.Publish(event.NewPathPromotedEvent(jobID, real.ID))
		}
	})
}

// ActivatePath optimistically marks a listed path active, then asks the
// backend.
// On rejection the previous state is restored and the error returned.
func (s *Session) ActivatePath(ctx context.Context, pathID string) error {
	if pathID == "" {
		return errors.NewValidationError("path id cannot be empty").WithField("path_id")
	}
	var previous *model.Path
	s.loop.Do(func() {
		now := s.now()
		s.paths.Update(func(cur []*model.Path) []*model.Path {
			p, ok := collection.Find(cur, pathID)
			if !ok {
				return cur
			}
			previous = p
			return collection.Upsert(cur, &model.Path{ID: pathID, ActivatedAt: now}, collection.Options{})
		})
	})

	cctx, cancel := s.call(ctx)
	defer cancel()
	updated, err := s.backend.ActivatePath(cctx, pathID)
	if err != nil {
		s.loop.Do(func() {
			if previous == nil {
				return
			}
			s.paths.Update(func(cur []*model.Path) []*model.Path {
				return collection.Upsert(cur, previous, collection.Options{Replace: true})
			})
		})
		s.commandFailed("activate path", pathID, err, "")
		return err
	}
	if updated != nil {
		s.loop.Do(func() {
			s.paths.Update(func(cur []*model.Path) []*model.Path {
				return collection.Upsert(cur, updated, collection.Options{})
			})
		})
	}
	return nil
}

func (s *Session) commandFailed(command, target string, err error, banner string) {
	log := s.logger.Warn
	if errors.GetSeverity(err) >= errors.SeverityError {
		log = s.logger.Error
	}
	log("command failed", "command", command, "target", target, "error", err.Error())
	s.bus.Publish(event.NewCommandFailedEvent(command, target, err.Error(), banner))
}

// now is used for optimistic timestamps.
func (s *Session) now() time.Time {
	return s.clock.Now()
}
