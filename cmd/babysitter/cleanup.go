package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/h1v3-io/babysitter/internal/app"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

type cleanupOptions struct {
	Local   bool // remove every marker file
	Pending bool // archive remote tickets in Pending
	All     bool // archive every remote ticket
	Yes     bool // act; otherwise only report
}

// runCleanup removes local markers and archives remote tickets. Without
// Yes it lists what would change.
func runCleanup(ctx context.Context, a *app.App, opts cleanupOptions, out io.Writer) error {
	if !opts.Local && !opts.Pending && !opts.All {
		return errors.New("cleanup: choose at least one of --local, --pending, --all")
	}
	verb := "would"
	if opts.Yes {
		verb = "will"
	}

	var errs []error
	if opts.Local {
		active, err := a.Markers.Active()
		if err != nil {
			return err
		}
		archived, err := a.Markers.Archived()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Local markers in %s: %d active, %d archived (%s remove)\n", a.Markers.Root(), len(active), len(archived), verb)
		if opts.Yes {
			for _, m := range append(active, archived...) {
				if err := a.Markers.Remove(m.TicketID); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	if opts.Pending || opts.All {
		var status protocol.TicketStatus
		if !opts.All {
			status = protocol.StatusPending
		}
		tickets, err := a.Tickets.List(ctx, status)
		if err != nil {
			return err
		}
		scope := "all"
		if status != "" {
			scope = string(status)
		}
		fmt.Fprintf(out, "Remote tickets (%s): %d (%s archive)\n", scope, len(tickets), verb)
		for _, t := range tickets {
			fmt.Fprintf(out, "  %-36s %-22s %s\n", t.PageID, t.Status, t.Name)
			if !opts.Yes {
				continue
			}
			if err := a.Tickets.SetArchived(ctx, t.PageID, true); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if !opts.Yes {
		fmt.Fprintln(out, "Dry run; pass --yes to apply.")
	}
	return errors.Join(errs...)
}
