package dispatch

import (
	"context"

	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/cache"
	"chat-dispatch/pkg/constants"
	"chat-dispatch/pkg/models"
)

// handleFAQ answers from the cache, then the knowledge store, then the
// generation backend. Knowledge below the confidence bar becomes prompt context.
func (d *Dispatcher) handleFAQ(ctx context.Context, senderID, text string, sess models.Session) models.Reply {
	fingerprint := cache.Fingerprint(models.IntentFAQ, text)
	if entry, ok := d.deps.Cache.Get(ctx, fingerprint); ok {
		d.deps.Sessions.ResetFallbacks(senderID)
		return models.Reply{
			Text:   entry.Reply,
			Status: models.StatusAnswered,
			Intent: models.IntentFAQ,
			Cached: true,
		}
	}

	var knowledge string
	if d.deps.Knowledge != nil {
		match, err := d.deps.Knowledge.Lookup(ctx, text)
		switch {
		case err == nil && match.Confidence >= d.cfg.KnowledgeMinConfidence:
			return d.answered(ctx, senderID, text, fingerprint, match.Answer)
		case err == nil:
			knowledge = match.Answer
		case !apperr.Is(err, apperr.NotFound):
			d.logger.WithError(err).WithField("sender_id", senderID).
				Warn("Knowledge lookup failed, generating without context")
		}
	}

	answer, err := d.generate(ctx, text, knowledge, sess)
	if err != nil {
		fallbacks := d.deps.Sessions.RecordFallback(senderID)
		d.logger.WithError(err).WithFields(logrus.Fields{
			"sender_id": senderID,
			"fallbacks": fallbacks,
			"kind":      apperr.KindOf(err),
		}).Warn("Answer generation failed, sending apology")
		return models.Reply{
			Text:   replyApology,
			Status: models.StatusFallback,
			Intent: models.IntentFallback,
		}
	}
	return d.answered(ctx, senderID, text, fingerprint, answer)
}

func (d *Dispatcher) generate(ctx context.Context, text, knowledge string, sess models.Session) (string, error) {
	if d.deps.Generator == nil {
		return "", apperr.New(apperr.UpstreamError, "generation_disabled", nil)
	}
	history := sess.History
	if extra := len(history) - constants.PromptHistoryTurns; extra > 0 {
		history = history[extra:]
	}
	return d.deps.Generator.Generate(ctx, models.Prompt{
		System:    d.cfg.SystemPrompt,
		Knowledge: knowledge,
		History:   history,
		Question:  text,
	})
}

func (d *Dispatcher) answered(ctx context.Context, senderID, text, fingerprint, answer string) models.Reply {
	d.deps.Cache.Put(ctx, fingerprint, answer, d.cfg.CacheTTL)
	d.deps.Sessions.ResetFallbacks(senderID)
	d.deps.Sessions.AppendTurn(senderID, "user", text)
	d.deps.Sessions.AppendTurn(senderID, "assistant", answer)
	return models.Reply{
		Text:   answer,
		Status: models.StatusAnswered,
		Intent: models.IntentFAQ,
	}
}
