package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/Iron-Ham/pathwatch/internal/collection"
	"github.com/Iron-Ham/pathwatch/internal/delta"
	"github.com/Iron-Ham/pathwatch/internal/dispatch"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/event"
	"github.com/Iron-Ham/pathwatch/internal/model"
	"github.com/Iron-Ham/pathwatch/internal/schedule"
)

// localPrefix marks optimistic messages that the backend has not stored
// yet.
const localPrefix = "local:"

var bySeq = collection.Options{Order: collection.BySeq}

// OpenThread switches the chat view to threadID: timers and in-flight
// pulls of the previous thread are cancelled, delta cursors are cleared,
// and the thread is pulled. An empty id closes the thread.
func (s *Session) OpenThread(threadID string) {
	s.loop.Post(func() { s.openThread(threadID) })
}

// CloseThread closes the open thread.
func (s *Session) CloseThread() {
	s.OpenThread("")
}

// ThreadID returns the open thread id.
func (s *Session) ThreadID() string {
	return s.thread.Snapshot().ID
}

func (s *Session) openThread(threadID string) {
	if threadID == s.threadID {
		return
	}
	s.threadHandle.Cancel()
	if s.unmountChat != nil {
		s.unmountChat()
		s.unmountChat = nil
	}
	s.assembler.Reset()
	s.threadID = threadID
	s.messages.Set(nil)
	s.thread.Set(model.Thread{ID: threadID})

	if threadID == "" {
		s.threadHandle = nil
		return
	}
	h := schedule.NewHandle()
	s.threadHandle = h
	s.unmountChat = s.conv.Mount(FeatureChat, func() { s.pullMessages(h, "reconnect") })
	s.logger.WithThread(threadID).Info("thread opened")

	s.pull(func(ctx context.Context) func() {
		th, msgs, err := s.backend.GetThread(ctx, threadID)
		return func() {
			if h.Cancelled() || s.threadID != threadID {
				return
			}
			if err != nil {
				s.logger.WithThread(threadID).Warn("thread pull failed", "error", err.Error())
				return
			}
			if th.ID == threadID {
				s.thread.Set(th)
			}
			s.mergeMessages(msgs)
		}
	})
}

// pullMessages re-pulls the open thread's messages and merges them without
// replace. The result is dropped if h was cancelled meanwhile.
func (s *Session) pullMessages(h *schedule.Handle, reason string) {
	threadID := s.threadID
	if threadID == "" || h.Cancelled() {
		return
	}
	s.pull(func(ctx context.Context) func() {
		msgs, err := s.backend.ListMessages(ctx, threadID)
		return func() {
			if h.Cancelled() || s.threadID != threadID {
				s.logger.Debug("discarding message pull for a stale context", "thread_id", threadID, "reason", reason)
				return
			}
			if err != nil {
				s.logger.WithThread(threadID).Debug("message pull failed", "reason", reason, "error", err.Error())
				return
			}
			s.mergeMessages(msgs)
		}
	})
}

// mergeMessages merges pulled messages, forgets cursors of finished
// messages and starts or stops the stream poll.
func (s *Session) mergeMessages(msgs []*model.ChatMessage) {
	s.messages.Update(func(cur []*model.ChatMessage) []*model.ChatMessage {
		for _, m := range msgs {
			if m.ThreadID != "" && m.ThreadID != s.threadID {
				continue
			}
			cur = upsertMessage(cur, m)
		}
		return cur
	})
	for _, m := range msgs {
		if m.Status.IsTerminal() {
			s.assembler.Forget(m.ID)
		}
	}
	s.syncStreamPoll()
}

// upsertMessage merges m into msgs, dropping the optimistic copy that
// shares its idempotency key.
func upsertMessage(msgs []*model.ChatMessage, m *model.ChatMessage) []*model.ChatMessage {
	if m.IdempotencyKey != "" && !strings.HasPrefix(m.ID, localPrefix) {
		msgs = collection.RemoveWhere(msgs, func(x *model.ChatMessage) bool {
			return strings.HasPrefix(x.ID, localPrefix) && x.IdempotencyKey == m.IdempotencyKey
		})
	}
	return collection.Upsert(msgs, m, bySeq)
}

// syncStreamPoll polls while any message of the open thread streams.
func (s *Session) syncStreamPoll() {
	streaming := false
	for _, m := range s.messages.Snapshot() {
		if m.Status == model.MessageStreaming {
			streaming = true
			break
		}
	}
	s.conv.Stream(FeatureChat, streaming && s.threadID != "", func(h *schedule.Handle) {
		s.pullMessages(h, "stream poll")
	})
}

func (s *Session) inOpenThread(threadID string) bool {
	if s.threadID == "" {
		return false
	}
	return threadID == "" || threadID == s.threadID
}

func (s *Session) applyDelta(d model.Delta) {
	if !s.inOpenThread(d.ThreadID) {
		return
	}
	if d.ThreadID == "" {
		d.ThreadID = s.threadID
	}
	var outcome delta.Outcome
	s.messages.Update(func(cur []*model.ChatMessage) []*model.ChatMessage {
		var next []*model.ChatMessage
		next, outcome = s.assembler.Apply(cur, d)
		return next
	})
	if !outcome.Applied() {
		s.logger.Debug("delta discarded", "message_id", d.MessageID, "attempt", d.Attempt, "delta_seq", d.DeltaSeq, "outcome", outcome.String())
		s.bus.Publish(event.NewDeltaDiscardedEvent(d.MessageID, d.Attempt, d.DeltaSeq, outcome.String()))
		return
	}
	s.syncStreamPoll()
}

func (s *Session) applyMessage(e dispatch.ChatMessageEffect) {
	m := e.Message
	if !s.inOpenThread(m.ThreadID) {
		return
	}
	if m.ThreadID == "" {
		cp := *m
		cp.ThreadID = s.threadID
		m = &cp
	}
	s.messages.Update(func(cur []*model.ChatMessage) []*model.ChatMessage {
		return upsertMessage(cur, m)
	})
	if m.Status.IsTerminal() {
		s.assembler.Forget(m.ID)
	}
	s.syncStreamPoll()
}

func (s *Session) applyChatJob(e dispatch.ChatJobEffect) {
	if !e.Phase.Terminal() || !s.inOpenThread(e.ThreadID) {
		return
	}
	s.logger.WithThread(s.threadID).Debug("chat job finished, scheduling final pull", "job_id", e.Job.ID, "status", string(e.Job.Status))
	s.conv.Terminal(FeatureChat, func(h *schedule.Handle) {
		s.pullMessages(h, "chat job terminal")
	})
}

// SendMessage posts content to the open thread. An optimistic pending
// message appears immediately and is replaced by the stored one. On
// rejection the optimistic message turns into an error carrying the
// user-facing banner, and the error is returned.
func (s *Session) SendMessage(ctx context.Context, content string) (model.SendResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.SendResult{}, errors.NewValidationError("message cannot be empty").WithField("content")
	}

	key := uuid.NewString()
	localID := localPrefix + key
	var threadID string
	s.loop.Do(func() {
		threadID = s.threadID
		if threadID == "" {
			return
		}
		s.messages.Update(func(cur []*model.ChatMessage) []*model.ChatMessage {
			var maxSeq int64
			for _, m := range cur {
				if m.Seq > maxSeq {
					maxSeq = m.Seq
				}
			}
			return collection.Upsert(cur, &model.ChatMessage{
				ID:             localID,
				ThreadID:       threadID,
				Seq:            maxSeq + 1,
				Role:           model.RoleUser,
				Status:         model.MessagePending,
				Content:        content,
				IdempotencyKey: key,
				CreatedAt:      s.now(),
			}, bySeq)
		})
	})
	if threadID == "" {
		return model.SendResult{}, errors.NewValidationError("no thread is open").WithField("thread_id")
	}

	cctx, cancel := s.call(ctx)
	defer cancel()
	res, err := s.backend.SendMessage(cctx, threadID, content, key)
	if err != nil {
		banner := errors.SendFailureBanner(err)
		s.loop.Do(func() {
			s.messages.Update(func(cur []*model.ChatMessage) []*model.ChatMessage {
				local, ok := collection.Find(cur, localID)
				if !ok {
					return cur
				}
				failed := *local
				failed.Status = model.MessageError
				failed.Error = banner
				return collection.Upsert(cur, &failed, collection.Options{Order: collection.BySeq, Replace: true})
			})
		})
		s.commandFailed("send message", threadID, err, banner)
		return model.SendResult{}, err
	}

	s.loop.Do(func() {
		if s.threadID != threadID {
			return
		}
		s.messages.Update(func(cur []*model.ChatMessage) []*model.ChatMessage {
			if res.UserMessage != nil {
				um := *res.UserMessage
				if um.IdempotencyKey == "" {
					um.IdempotencyKey = key
				}
				cur = upsertMessage(cur, &um)
			}
			if res.AssistantMessage != nil {
				cur = upsertMessage(cur, res.AssistantMessage)
			}
			return cur
		})
		if res.Job.ID != "" {
			s.feed.Apply(res.Job)
		}
		s.syncStreamPoll()
	})
	return res, nil
}
