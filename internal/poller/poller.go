// Package poller advances tickets that are asleep on local markers: it
// resumes suspended agents once a human has answered, and archives or
// resuscitates tickets as their remote status changes.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/h1v3-io/babysitter/internal/marker"
	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/internal/runtime"
	"github.com/h1v3-io/babysitter/internal/store"
	"github.com/h1v3-io/babysitter/internal/ticket"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// DefaultSettleDelay is how long to wait after a resume before re-reading
// the status, giving the ask-human tool time to land its update.
const DefaultSettleDelay = 2 * time.Second

// ErrBusy is returned when a pass is already running.
var ErrBusy = errors.New("poller: a pass is already running")

// Resumer continues a suspended agent session.
type Resumer interface {
	Resume(ctx context.Context, inv runtime.Invocation) error
}

// Report summarizes one pass. Slices hold ticket ids.
type Report struct {
	Resuscitated []string `json:"resuscitated,omitempty"`
	Removed      []string `json:"removed,omitempty"`
	Archived     []string `json:"archived,omitempty"`
	Resumed      []string `json:"resumed,omitempty"`
	Continued    []string `json:"continued,omitempty"`
	Failed       []string `json:"failed,omitempty"`
	Interrupted  []string `json:"interrupted,omitempty"`
	Skipped      int      `json:"skipped"`
	Errors       []string `json:"errors,omitempty"`
}

func (r *Report) fail(ticketID string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", ticketID, err))
}

// Poller runs resume passes over one marker directory.
type Poller struct {
	repo    *ticket.Repository
	markers *marker.Dir
	agent   Resumer
	bus     realtime.Broadcaster
	logger  *slog.Logger

	// SettleDelay is waited after a successful resume.
	SettleDelay time.Duration
	Now         func() time.Time

	running sync.Mutex
}

// New creates a Poller. bus may be nil.
func New(repo *ticket.Repository, markers *marker.Dir, agent Resumer, bus realtime.Broadcaster, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = realtime.Nop{}
	}
	return &Poller{
		repo:        repo,
		markers:     markers,
		agent:       agent,
		bus:         bus,
		logger:      logger,
		SettleDelay: DefaultSettleDelay,
		Now:         time.Now,
	}
}

// Pass runs one polling pass. A failure on one ticket is logged and
// recorded in the report; it never stops the pass. Pass returns an error
// only when the marker directory cannot be read or another pass is running.
func (p *Poller) Pass(ctx context.Context) (*Report, error) {
	if !p.running.TryLock() {
		return nil, ErrBusy
	}
	defer p.running.Unlock()

	report := &Report{}
	start := time.Now()

	snapshot, err := p.repo.Snapshots(ctx)
	if err != nil {
		p.logger.Warn("bulk status fetch failed; skipping archive checks", "error", err)
		report.fail("*", err)
	} else {
		p.checkArchived(ctx, snapshot, report)
	}

	active, err := p.markers.Active()
	if err != nil {
		return report, fmt.Errorf("poller: %w", err)
	}
	for _, m := range active {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		p.advance(ctx, m, report)
	}

	p.logger.Info("poll pass finished",
		"active", len(active),
		"resumed", len(report.Resumed),
		"archived", len(report.Archived),
		"resuscitated", len(report.Resuscitated),
		"errors", len(report.Errors),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return report, nil
}

// checkArchived garbage-collects archived markers whose ticket is gone and
// brings back those a human reopened.
func (p *Poller) checkArchived(ctx context.Context, snapshot map[string]ticket.Snapshot, report *Report) {
	archived, err := p.markers.Archived()
	if err != nil {
		p.logger.Warn("list archived markers", "error", err)
		report.fail("*", err)
		return
	}
	if len(archived) == 0 {
		return
	}
	// An empty result is more likely a misconfigured database than every
	// ticket having been deleted.
	if len(snapshot) == 0 {
		p.logger.Info("ticket database is empty; skipping archived marker checks")
		return
	}

	for _, m := range archived {
		log := p.logger.With("ticket", m.TicketID, "page", m.PageID)
		snap, ok := snapshot[m.PageID]
		if !ok {
			if err := p.markers.Remove(m.TicketID); err != nil {
				log.Warn("remove stale marker", "error", err)
				report.fail(m.TicketID, err)
				continue
			}
			log.Info("removed marker of deleted ticket")
			report.Removed = append(report.Removed, m.TicketID)
			continue
		}
		if snap.Status == "" || snap.Status == protocol.StatusDone {
			continue
		}

		if snap.Archived {
			if err := p.repo.SetArchived(ctx, m.PageID, false); err != nil {
				log.Warn("unarchive page", "error", err)
			}
		}
		if err := p.repo.Notify(ctx, m.PageID, ticket.ResuscitatedNotice(p.Now(), snap.Status)); err != nil {
			log.Warn("resuscitation notice", "error", err)
		}
		if err := p.markers.Restore(m.TicketID); err != nil {
			log.Error("restore marker", "error", err)
			report.fail(m.TicketID, err)
			continue
		}
		log.Info("ticket resuscitated", "status", snap.Status)
		report.Resuscitated = append(report.Resuscitated, m.TicketID)
		p.bus.Broadcast(protocol.Event{Type: protocol.EventStatusChange, TicketID: m.TicketID, PageID: m.PageID, Status: snap.Status})
	}
}

// advance handles one active marker.
func (p *Poller) advance(ctx context.Context, m marker.Marker, report *Report) {
	log := p.logger.With("ticket", m.TicketID, "page", m.PageID)

	t, err := p.repo.Get(ctx, m.PageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrValidation) {
			log.Info("page is gone; archiving marker")
			p.archive(m, report)
			return
		}
		log.Warn("fetch ticket; will retry next pass", "error", err)
		report.fail(m.TicketID, err)
		return
	}
	if t.Archived {
		log.Info("page archived remotely; archiving marker")
		p.archive(m, report)
		return
	}

	switch {
	case t.Status == protocol.StatusDone:
		if err := p.repo.Notify(ctx, m.PageID, ticket.ArchivedNotice(p.Now())); err != nil {
			log.Warn("archive notice", "error", err)
		}
		log.Info("ticket done; archiving")
		p.archive(m, report)
		return
	case t.Status == protocol.StatusError:
		log.Debug("ticket in error; awaiting human")
		report.Skipped++
		return
	case !t.Status.Resumable():
		log.Debug("ticket not ready", "status", t.Status)
		report.Skipped++
		return
	case t.SessionID == "":
		log.Warn("no session id; cannot resume")
		report.Skipped++
		return
	}

	blocks, err := p.repo.Blocks(ctx, m.PageID)
	if err != nil {
		log.Warn("read blocks", "error", err)
		report.fail(m.TicketID, err)
		return
	}
	answer, ready := ExtractResponse(blocks)
	if answer == "" || !ready {
		log.Debug("waiting for human", "has_answer", answer != "", "ready", ready)
		report.Skipped++
		return
	}

	p.resume(ctx, m, t, answer, report)
}

func (p *Poller) resume(ctx context.Context, m marker.Marker, t *protocol.Ticket, answer string, report *Report) {
	log := p.logger.With("ticket", m.TicketID, "page", m.PageID, "session", t.SessionID)

	ok, err := p.repo.UpdateStatus(ctx, m.PageID, protocol.StatusWorking)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("status %q rejected", protocol.StatusWorking)
		}
		log.Error("mark working", "error", err)
		report.fail(m.TicketID, err)
		return
	}
	p.bus.Broadcast(protocol.Event{Type: protocol.EventStatusChange, TicketID: m.TicketID, PageID: m.PageID, SessionID: t.SessionID, Status: protocol.StatusWorking})

	log.Info("resuming agent")
	err = p.agent.Resume(ctx, runtime.Invocation{
		SessionID: t.SessionID,
		Prompt:    answer,
		TicketID:  m.TicketID,
		PageID:    m.PageID,
	})
	if errors.Is(err, context.Canceled) {
		// The answer is still checked, so the next pass picks the ticket up again.
		log.Warn("resume interrupted; ticket returned to awaiting input")
		report.Interrupted = append(report.Interrupted, m.TicketID)
		if _, serr := p.repo.UpdateStatus(context.WithoutCancel(ctx), m.PageID, protocol.StatusAwaitingInput); serr != nil {
			log.Error("restore status", "error", serr)
			report.fail(m.TicketID, serr)
		}
		return
	}
	if err != nil {
		log.Error("resume failed; marking ticket as error", "error", err)
		report.Failed = append(report.Failed, m.TicketID)
		if _, serr := p.repo.UpdateStatus(context.WithoutCancel(ctx), m.PageID, protocol.StatusError); serr != nil {
			log.Error("mark error", "error", serr)
			report.fail(m.TicketID, serr)
		}
		p.bus.Broadcast(protocol.Event{Type: protocol.EventAgentError, TicketID: m.TicketID, PageID: m.PageID, SessionID: t.SessionID, Status: protocol.StatusError, Error: err.Error()})
		return
	}
	report.Resumed = append(report.Resumed, m.TicketID)

	if !sleep(ctx, p.SettleDelay) {
		return
	}
	added, status, err := p.repo.ContinueIfIdle(ctx, m.PageID)
	if err != nil {
		log.Warn("check status after resume", "error", err)
		report.fail(m.TicketID, err)
		return
	}
	if added {
		log.Info("agent finished without asking; continuation added")
		report.Continued = append(report.Continued, m.TicketID)
	} else {
		log.Info("agent run finished", "status", status)
	}
	p.bus.Broadcast(protocol.Event{Type: protocol.EventAgentComplete, TicketID: m.TicketID, PageID: m.PageID, SessionID: t.SessionID, Status: status})
}

func (p *Poller) archive(m marker.Marker, report *Report) {
	if err := p.markers.Archive(m.TicketID); err != nil {
		p.logger.Error("archive marker", "ticket", m.TicketID, "error", err)
		report.fail(m.TicketID, err)
		return
	}
	report.Archived = append(report.Archived, m.TicketID)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
