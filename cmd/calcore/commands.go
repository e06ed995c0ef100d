package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	ical "github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cyp0633/calcore/engine"
	"github.com/cyp0633/calcore/engine/events"
	"github.com/cyp0633/calcore/engine/freebusy"
	"github.com/cyp0633/calcore/engine/hierarchy"
	"github.com/cyp0633/calcore/engine/storage"
)

func validateAction(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, err := cfg.Engine(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "config ok: %s storage, %d principals\n", cfg.Storage.Driver, len(cfg.Principals))
	return nil
}

func provisionAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	cols, err := a.provision(ctx)
	if err != nil {
		return err
	}
	for _, c := range cols {
		fmt.Fprintf(cmd.Root().Writer, "%s\t%s\n", c.Type, c.Path)
	}
	return nil
}

// importItem is one UID's master with the overrides that belong to it.
type importItem struct {
	master    *storage.Event
	overrides []*storage.Event
}

// groupByUID pairs overrides with their master. Entities without a UID get
// a fresh one; overrides whose master is absent are returned separately.
func groupByUID(evs []*storage.Event, colPath string) (items []importItem, orphans []*storage.Event) {
	byUID := make(map[string]*importItem)
	var order []string
	var overrides []*storage.Event
	for _, ev := range evs {
		if ev.UID == "" {
			ev.UID = uuid.NewString()
		}
		if ev.IsOverride() {
			overrides = append(overrides, ev)
			continue
		}
		if _, dup := byUID[ev.UID]; dup {
			orphans = append(orphans, ev)
			continue
		}
		ev.ColPath = colPath
		ev.Name = resourceName(ev.UID)
		byUID[ev.UID] = &importItem{master: ev}
		order = append(order, ev.UID)
	}
	for _, ov := range overrides {
		it, ok := byUID[ov.UID]
		if !ok {
			orphans = append(orphans, ov)
			continue
		}
		it.overrides = append(it.overrides, ov)
	}
	for _, uid := range order {
		items = append(items, *byUID[uid])
	}
	return items, orphans
}

// resourceName derives a resource name from uid, falling back to a random
// one when the UID is not a usable name.
func resourceName(uid string) string {
	name := uid + ".ics"
	if hierarchy.ValidateName(name, false) != nil {
		return uuid.NewString() + ".ics"
	}
	return name
}

func importAction(ctx context.Context, cmd *cli.Command) error {
	file := cmd.Args().First()
	if file == "" {
		return errors.New("import: no file given")
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	evs, err := storage.DecodeCalendar(f)
	if err != nil {
		return err
	}

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	colPath := storage.Normalize(cmd.String("calendar"))
	items, orphans := groupByUID(evs, colPath)
	for _, o := range orphans {
		a.logger.Warn("skipping entity without a master", "uid", o.UID, "recurrence_id", o.RecurrenceID)
	}

	s, err := a.begin(ctx, cmd.String("as"))
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	opts := events.AddOptions{RollbackOnError: cmd.Bool("strict")}
	for _, it := range items {
		res, err := s.AddEvent(ctx, it.master, it.overrides, opts)
		if err != nil {
			return fmt.Errorf("import %s: %w", it.master.UID, err)
		}
		for _, ov := range res.FailedOverrides {
			a.logger.Warn("override dropped", "uid", it.master.UID, "recurrence_id", ov.RecurrenceID)
		}
		fmt.Fprintf(cmd.Root().Writer, "%s\t%d instances\n", res.Event.Href(), len(res.Instances))
	}
	return s.EndTransaction(ctx)
}

func treeAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	path := cmd.Args().First()
	if path == "" {
		path = a.cfg.Hierarchy.UserRoot
	}
	s, err := a.begin(ctx, cmd.String("as"))
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	cols, err := s.Tree(ctx, path)
	if err != nil {
		return err
	}
	for _, c := range cols {
		token, err := s.SyncToken(ctx, c.Path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.Root().Writer, "%s\t%s\t%s\n", c.Path, c.Type, token)
	}
	return s.EndTransaction(ctx)
}

func parseWhen(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q: want RFC 3339 or YYYY-MM-DD", value)
	}
	return t, nil
}

func freeBusyAction(ctx context.Context, cmd *cli.Command) error {
	start, err := parseWhen(cmd.String("start"))
	if err != nil {
		return err
	}
	end, err := parseWhen(cmd.String("end"))
	if err != nil {
		return err
	}
	targets := cmd.Args().Slice()
	if len(targets) == 0 {
		return errors.New("freebusy: no principals given")
	}

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	calName := a.engine.Config().Hierarchy.SpecialNames[storage.CalTypeCalendar]
	opts := freebusy.Options{IgnoreTransparency: cmd.Bool("ignore-transparency")}
	asHref := cmd.String("as")
	stamp := time.Now()

	comps := make([]*ical.Component, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, href := range targets {
		i, href := i, href
		g.Go(func() error {
			target, err := a.dir.GetPrincipal(gctx, href)
			if err != nil {
				return err
			}
			s, err := a.begin(gctx, asHref)
			if err != nil {
				return err
			}
			defer s.Close(gctx)

			cal := storage.Join(a.dir.HomePath(target), calName)
			res, err := s.FreeBusy(gctx, []string{cal}, start, end, opts)
			if err != nil {
				return fmt.Errorf("free-busy of %s: %w", href, err)
			}
			comps[i] = res.Component(uuid.NewString(), target.Href, stamp)
			return s.EndTransaction(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out, err := storage.EncodeCalendar(comps...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.Root().Writer, out)
	return err
}

// purge removes tombstones older than the retention window.
func (a *app) purge(ctx context.Context) (storage.PurgeResult, error) {
	cutoff := time.Now().Add(-a.cfg.Maintenance.TombstoneRetention)
	var res storage.PurgeResult
	err := a.asAdmin(ctx, func(s *engine.Session) error {
		var err error
		res, err = s.PurgeTombstones(ctx, cutoff)
		return err
	})
	if err != nil {
		return res, err
	}
	sort.Strings(res.Collections)
	a.logger.Info("tombstones purged",
		"cutoff", cutoff.Format(time.RFC3339),
		"collections", len(res.Collections),
		"events", len(res.Events))
	return res, nil
}

func purgeAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	res, err := a.purge(ctx)
	if err != nil {
		return err
	}
	for _, p := range res.Collections {
		fmt.Fprintln(cmd.Root().Writer, p)
	}
	return nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	schedule := a.cfg.Maintenance.PurgeSchedule
	if schedule == "" {
		return errors.New("run: maintenance.purge_schedule is empty")
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := a.purge(ctx); err != nil {
			a.logger.Error("scheduled purge failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("bad purge schedule: %w", err)
	}
	c.Start()
	a.logger.Info("maintenance scheduler started", "schedule", schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("maintenance scheduler stopped")
	return nil
}
