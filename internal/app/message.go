package app

import (
	"context"
	"log/slog"

	"alertbridge/internal/domain"
	"alertbridge/internal/render"
	"alertbridge/internal/tracker"
)

// maxCatchUpEdits bounds re-edits after the record moved during an edit.
const maxCatchUpEdits = 3

// messageSync keeps a bound chat message in line with its stored record.
// Chat calls run outside the key scope, so concurrent writers may finish
// their edits in any order; every writer re-reads the record after its own
// edit and edits again while the message shows an older rendering.
type messageSync struct {
	tracker   *tracker.Tracker
	renderer  *render.Renderer
	messenger Messenger
	logger    *slog.Logger
}

// edit renders record into its bound message, then catches up with later writes.
// Params: context, record key and record persisted by the caller.
// Returns: EditFailedError from the chat backend or StoreUnavailableError from the re-read.
func (s messageSync) edit(ctx context.Context, key string, record domain.AlertRecord) error {
	content := s.renderer.Render(record)
	if err := s.messenger.Edit(ctx, record.MessageRef, content); err != nil {
		s.logEditFailure(key, record.MessageRef, err)
		return err
	}
	return s.catchUp(ctx, key, record.MessageRef, content)
}

// catchUp edits ref until it shows the rendering of the stored record.
// Params: context, record key, message reference and content the message shows now.
// Returns: nil once in line, when ref no longer owns the record, or after the edit bound.
func (s messageSync) catchUp(ctx context.Context, key string, ref domain.MessageRef, shown render.Content) error {
	for attempt := 0; attempt < maxCatchUpEdits; attempt++ {
		latest, found, err := s.tracker.Current(ctx, key)
		if err != nil {
			return err
		}
		if !found || latest.MessageRef != ref {
			return nil
		}
		want := s.renderer.Render(latest)
		if want == shown {
			return nil
		}
		s.logger.Debug("record moved during message edit, editing again", "alert_key", key, "message_id", ref.MessageID, "state", string(latest.State))
		if err := s.messenger.Edit(ctx, ref, want); err != nil {
			s.logEditFailure(key, ref, err)
			return err
		}
		shown = want
	}
	return nil
}

func (s messageSync) logEditFailure(key string, ref domain.MessageRef, err error) {
	s.logger.Warn("alert message edit failed",
		"alert_key", key,
		"room", ref.Room,
		"message_id", ref.MessageID,
		"error", err.Error(),
	)
}
