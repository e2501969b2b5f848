package app

import (
	"context"
	"net/url"
	"strings"

	"github.com/roach88/loftsync/internal/collab"
	"github.com/roach88/loftsync/internal/replica"
)

// liveURL is the relay room for id, or "" when no relay is configured.
func (a *App) liveURL(id string) string {
	base := strings.TrimRight(a.Config.Collab.URL, "/")
	if base == "" {
		return ""
	}
	return base + "/" + url.PathEscape(id)
}

// attachLive opens the live channel for id. A relay that cannot be reached
// leaves the document editing offline.
func (a *App) attachLive(ctx context.Context, id string, doc *replica.Doc) bool {
	target := a.liveURL(id)
	if target == "" {
		return false
	}
	var token string
	if sess, ok := a.Auth.Session(ctx); ok {
		token = sess.Token
	}
	ch, err := collab.Dial(ctx, target, doc,
		collab.WithToken(token),
		collab.WithLogger(a.logger.With("doc_id", id)),
	)
	if err != nil {
		a.logger.Warn("live channel unavailable; editing offline", "doc_id", id, "error", err)
		return false
	}

	a.liveMu.Lock()
	prev := a.live[id]
	a.live[id] = ch
	a.liveMu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return true
}

// detachLive closes the live channel for id, if one is open.
func (a *App) detachLive(id string) {
	a.liveMu.Lock()
	ch := a.live[id]
	delete(a.live, id)
	a.liveMu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		a.logger.Warn("close live channel failed", "doc_id", id, "error", err)
	}
}

func (a *App) detachAll() {
	a.liveMu.Lock()
	open := make([]string, 0, len(a.live))
	for id := range a.live {
		open = append(open, id)
	}
	a.liveMu.Unlock()
	for _, id := range open {
		a.detachLive(id)
	}
}

// LiveAttached reports whether id has an open live channel.
func (a *App) LiveAttached(id string) bool {
	a.liveMu.Lock()
	defer a.liveMu.Unlock()
	return a.live[id] != nil
}

func (a *App) persistence(id string) (*replica.Persistence, bool) {
	inst, ok := a.Registry.Get(id)
	if !ok {
		return nil, false
	}
	p, ok := inst.Handle().(*replica.Persistence)
	return p, ok
}

// flush writes the live state of id once its stored state has loaded.
func (a *App) flush(ctx context.Context, id string) {
	p, ok := a.persistence(id)
	if !ok {
		return
	}
	if err := p.WhenSynced(ctx); err != nil {
		a.logger.Warn("flush skipped", "doc_id", id, "error", err)
		return
	}
	if err := p.Flush(ctx); err != nil {
		a.logger.Warn("flush failed", "doc_id", id, "error", err)
	}
}
