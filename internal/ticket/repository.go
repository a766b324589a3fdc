// Package ticket implements the ticket lifecycle on top of the document store:
// claiming pending tickets, status and session bookkeeping, question turns,
// auto-continuation and notices.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/babysitter/internal/conversation"
	"github.com/h1v3-io/babysitter/internal/store"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// Repository reads and writes tickets in one database.
type Repository struct {
	store      store.Client
	codec      *conversation.Codec
	databaseID string
	logger     *slog.Logger

	// NewID generates session and ticket ids. Defaults to random UUIDs.
	NewID func() string
	// Now is the clock used for notices.
	Now func() time.Time
}

// NewRepository creates a Repository for the given database.
func NewRepository(c store.Client, codec *conversation.Codec, databaseID string, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	if codec == nil {
		codec = conversation.New(c, logger)
	}
	return &Repository{
		store:      c,
		codec:      codec,
		databaseID: databaseID,
		logger:     logger,
		NewID:      func() string { return uuid.New().String() },
		Now:        time.Now,
	}
}

// Claim is a ticket taken out of the Pending queue.
type Claim struct {
	PageID    string
	TicketID  string
	SessionID string
	Name      string
}

// ClaimPending takes the oldest Pending ticket, moves it to Agent Planning
// and makes sure it has a session id. It returns nil when nothing is pending.
//
// The query and the status write are not one transaction, so two callers
// racing on the same ticket can both claim it. Run a single claimant.
func (r *Repository) ClaimPending(ctx context.Context) (*Claim, error) {
	pages, err := r.store.QueryPages(ctx, store.Query{
		DatabaseID: r.databaseID,
		Filter:     &store.Filter{Property: protocol.PropStatus, Type: store.PropStatus, Equals: string(protocol.StatusPending)},
		Sorts:      []store.Sort{{Timestamp: store.CreatedTime, Direction: store.Ascending}},
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("ticket: claim: query pending: %w", err)
	}
	if len(pages) == 0 {
		return nil, nil
	}
	page := pages[0]

	if _, err := r.store.UpdatePage(ctx, page.ID, store.Properties{
		protocol.PropStatus: store.Status(string(protocol.StatusPlanning)),
	}); err != nil {
		return nil, fmt.Errorf("ticket: claim %s: %w", page.ID, err)
	}

	claim := &Claim{
		PageID:    page.ID,
		TicketID:  page.Text(protocol.PropTicketID),
		SessionID: page.Text(protocol.PropSessionID),
		Name:      page.Text(protocol.PropName),
	}

	props := store.Properties{}
	if claim.SessionID == "" {
		claim.SessionID = r.NewID()
		props[protocol.PropSessionID] = store.RichText(claim.SessionID)
	}
	if claim.TicketID == "" {
		claim.TicketID = r.NewID()
		props[protocol.PropTicketID] = store.RichText(claim.TicketID)
	}
	if len(props) > 0 {
		if _, err := r.store.UpdatePage(ctx, page.ID, props); err != nil {
			return nil, fmt.Errorf("ticket: claim %s: write session: %w", page.ID, err)
		}
	}

	r.logger.Info("ticket claimed", "page", page.ID, "ticket", claim.TicketID, "session", claim.SessionID)
	return claim, nil
}

// UpdateStatus writes a ticket's status. It returns false without an error
// when the store rejects the value.
func (r *Repository) UpdateStatus(ctx context.Context, pageID string, status protocol.TicketStatus) (bool, error) {
	_, err := r.store.UpdatePage(ctx, pageID, store.Properties{
		protocol.PropStatus: store.Status(string(status)),
	})
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			r.logger.Warn("status rejected", "page", pageID, "status", status, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("ticket: update status %s: %w", pageID, err)
	}
	r.logger.Debug("status updated", "page", pageID, "status", status)
	return true, nil
}

// Get returns a ticket without its conversation.
func (r *Repository) Get(ctx context.Context, pageID string) (*protocol.Ticket, error) {
	page, err := r.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("ticket: get %s: %w", pageID, err)
	}
	t := FromPage(page)
	return &t, nil
}

// Context returns a ticket with its decoded conversation, or nil when the
// ticket no longer exists.
func (r *Repository) Context(ctx context.Context, pageID string) (*protocol.TicketContext, error) {
	page, err := r.store.GetPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrValidation) {
			return nil, nil
		}
		return nil, fmt.Errorf("ticket: context %s: %w", pageID, err)
	}
	return &protocol.TicketContext{
		Ticket:       FromPage(page),
		Conversation: r.codec.Decode(ctx, pageID),
	}, nil
}

// Snapshot is the state of a ticket as seen by one bulk query.
type Snapshot struct {
	Status   protocol.TicketStatus
	Archived bool
}

// Snapshots fetches the status of every ticket in one query.
func (r *Repository) Snapshots(ctx context.Context) (map[string]Snapshot, error) {
	pages, err := r.store.QueryPages(ctx, store.Query{DatabaseID: r.databaseID})
	if err != nil {
		return nil, fmt.Errorf("ticket: snapshot: %w", err)
	}
	out := make(map[string]Snapshot, len(pages))
	for _, p := range pages {
		out[p.ID] = Snapshot{
			Status:   protocol.TicketStatus(p.Text(protocol.PropStatus)),
			Archived: p.Archived,
		}
	}
	return out, nil
}

// List returns tickets newest first, optionally restricted to one status.
func (r *Repository) List(ctx context.Context, status protocol.TicketStatus) ([]protocol.Ticket, error) {
	q := store.Query{
		DatabaseID: r.databaseID,
		Sorts:      []store.Sort{{Timestamp: store.CreatedTime, Direction: store.Descending}},
	}
	if status != "" {
		q.Filter = &store.Filter{Property: protocol.PropStatus, Type: store.PropStatus, Equals: string(status)}
	}
	pages, err := r.store.QueryPages(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ticket: list: %w", err)
	}
	out := make([]protocol.Ticket, 0, len(pages))
	for _, p := range pages {
		out = append(out, FromPage(p))
	}
	return out, nil
}

// NewTicket describes a ticket to create.
type NewTicket struct {
	Name        string
	Description string
	Status      protocol.TicketStatus // defaults to Pending
	TicketID    string
	SessionID   string
	TurnCount   int
	Blocks      []store.Block
}

// Create adds a ticket to the database.
func (r *Repository) Create(ctx context.Context, nt NewTicket) (*protocol.Ticket, error) {
	if nt.Status == "" {
		nt.Status = protocol.StatusPending
	}
	props := store.Properties{
		protocol.PropName:      store.Title(truncate(nt.Name)),
		protocol.PropStatus:    store.Status(string(nt.Status)),
		protocol.PropTurnCount: store.Number(float64(nt.TurnCount)),
	}
	if nt.Description != "" {
		props[protocol.PropDescription] = store.RichText(truncate(nt.Description))
	}
	if nt.TicketID != "" {
		props[protocol.PropTicketID] = store.RichText(nt.TicketID)
	}
	if nt.SessionID != "" {
		props[protocol.PropSessionID] = store.RichText(nt.SessionID)
	}

	page, err := r.store.CreatePage(ctx, store.CreatePageRequest{
		DatabaseID: r.databaseID,
		Properties: props,
		Children:   nt.Blocks,
	})
	if err != nil {
		return nil, fmt.Errorf("ticket: create: %w", err)
	}
	t := FromPage(page)
	r.logger.Info("ticket created", "page", t.PageID, "ticket", t.ID, "status", t.Status)
	return &t, nil
}

// Ask appends a new question turn, bumps the turn count and sets the ticket
// to Requesting User Input. extra blocks follow the turn. It returns the new
// turn number.
func (r *Repository) Ask(ctx context.Context, pageID, prompt string, extra ...store.Block) (int, error) {
	page, err := r.store.GetPage(ctx, pageID)
	if err != nil {
		return 0, fmt.Errorf("ticket: ask %s: %w", pageID, err)
	}
	n, _ := page.Number(protocol.PropTurnCount)
	turn := int(n) + 1

	if _, err := r.store.AppendBlocks(ctx, pageID, append(TurnBlocks(turn, prompt), extra...)); err != nil {
		return 0, fmt.Errorf("ticket: ask %s: append turn: %w", pageID, err)
	}
	if _, err := r.store.UpdatePage(ctx, pageID, store.Properties{
		protocol.PropTurnCount: store.Number(float64(turn)),
		protocol.PropStatus:    store.Status(string(protocol.StatusAwaitingInput)),
	}); err != nil {
		return 0, fmt.Errorf("ticket: ask %s: update: %w", pageID, err)
	}
	return turn, nil
}

// Continue synthesizes a "what's next" turn for an agent that finished
// without asking anything.
func (r *Repository) Continue(ctx context.Context, pageID string) (int, error) {
	turn, err := r.Ask(ctx, pageID, ContinuePrompt)
	if err != nil {
		return 0, err
	}
	r.logger.Info("auto-continuation added", "page", pageID, "turn", turn)
	return turn, nil
}

// ContinueIfIdle re-reads the status after an agent run. When the agent left
// the ticket in Agent Working it adds a continuation turn. It reports whether
// a turn was added and the status it observed.
func (r *Repository) ContinueIfIdle(ctx context.Context, pageID string) (bool, protocol.TicketStatus, error) {
	t, err := r.Get(ctx, pageID)
	if err != nil {
		return false, "", err
	}
	if t.Status != protocol.StatusWorking {
		return false, t.Status, nil
	}
	if _, err := r.Continue(ctx, pageID); err != nil {
		return false, t.Status, err
	}
	return true, protocol.StatusAwaitingInput, nil
}

// Notify appends a divider and a callout to the ticket page.
func (r *Repository) Notify(ctx context.Context, pageID string, n Notice) error {
	if _, err := r.store.AppendBlocks(ctx, pageID, n.blocks()); err != nil {
		return fmt.Errorf("ticket: notify %s: %w", pageID, err)
	}
	return nil
}

// SetArchived archives or restores the ticket page.
func (r *Repository) SetArchived(ctx context.Context, pageID string, archived bool) error {
	if err := r.store.SetArchived(ctx, pageID, archived); err != nil {
		return fmt.Errorf("ticket: set archived %s: %w", pageID, err)
	}
	return nil
}

// Blocks returns the top-level blocks of a ticket page.
func (r *Repository) Blocks(ctx context.Context, pageID string) ([]store.Block, error) {
	blocks, err := r.store.ListBlocks(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("ticket: blocks %s: %w", pageID, err)
	}
	return blocks, nil
}

// AppendMessage adds one message to the ticket's conversation.
func (r *Repository) AppendMessage(ctx context.Context, pageID string, m protocol.Message) error {
	return r.codec.Append(ctx, pageID, m)
}

// SetResponse stores a human answer in the ticket's answer property.
func (r *Repository) SetResponse(ctx context.Context, pageID, answer string) error {
	_, err := r.store.UpdatePage(ctx, pageID, store.Properties{
		protocol.PropUserResponse: store.RichText(truncate(answer)),
	})
	if err != nil {
		return fmt.Errorf("ticket: set response %s: %w", pageID, err)
	}
	return nil
}

// TakeResponse returns the ticket's answer property and clears it.
func (r *Repository) TakeResponse(ctx context.Context, pageID string) (string, error) {
	page, err := r.store.GetPage(ctx, pageID)
	if err != nil {
		return "", fmt.Errorf("ticket: read response %s: %w", pageID, err)
	}
	answer := strings.TrimSpace(page.Text(protocol.PropUserResponse))
	if answer == "" {
		return "", nil
	}
	if _, err := r.store.UpdatePage(ctx, pageID, store.Properties{
		protocol.PropUserResponse: store.RichText(""),
	}); err != nil {
		return "", fmt.Errorf("ticket: clear response %s: %w", pageID, err)
	}
	return answer, nil
}

// FindBySession returns the newest ticket holding sessionID, or nil.
func (r *Repository) FindBySession(ctx context.Context, sessionID string) (*protocol.Ticket, error) {
	if sessionID == "" {
		return nil, nil
	}
	pages, err := r.store.QueryPages(ctx, store.Query{
		DatabaseID: r.databaseID,
		Filter:     &store.Filter{Property: protocol.PropSessionID, Type: store.PropRichText, Equals: sessionID},
		Sorts:      []store.Sort{{Timestamp: store.CreatedTime, Direction: store.Descending}},
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("ticket: find session %s: %w", sessionID, err)
	}
	if len(pages) == 0 {
		return nil, nil
	}
	t := FromPage(pages[0])
	return &t, nil
}

// ActiveSession returns the session id of the newest ticket that is not
// Done, if any.
func (r *Repository) ActiveSession(ctx context.Context) (string, bool, error) {
	tickets, err := r.List(ctx, "")
	if err != nil {
		return "", false, err
	}
	for _, t := range tickets {
		if t.Status != protocol.StatusDone && t.SessionID != "" {
			return t.SessionID, true, nil
		}
	}
	return "", false, nil
}

// FromPage maps a store page onto a Ticket.
func FromPage(p *store.Page) protocol.Ticket {
	n, _ := p.Number(protocol.PropTurnCount)
	return protocol.Ticket{
		PageID:      p.ID,
		ID:          p.Text(protocol.PropTicketID),
		Name:        p.Text(protocol.PropName),
		Description: p.Text(protocol.PropDescription),
		Status:      protocol.TicketStatus(p.Text(protocol.PropStatus)),
		SessionID:   p.Text(protocol.PropSessionID),
		TurnCount:   int(n),
		Archived:    p.Archived,
		CreatedAt:   p.CreatedTime,
		UpdatedAt:   p.LastEditedTime,
	}
}
