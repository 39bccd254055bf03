package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snarg/radio-archive/internal/discover"
	"github.com/snarg/radio-archive/internal/download"
	"github.com/snarg/radio-archive/internal/episode"
)

const (
	defaultDiscoverWindow = 7 * 24 * time.Hour
	discoveryTimeout      = time.Minute
)

type discoverFlags struct {
	source string
	from   string
	to     string
}

func (f *discoverFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.source, "source", "", "Source to discover: glz or c14")
	cmd.Flags().StringVar(&f.from, "from", "", "Earliest air date, YYYY-MM-DD (default a week ago)")
	cmd.Flags().StringVar(&f.to, "to", "", "Latest air date, YYYY-MM-DD (default now)")
	_ = cmd.MarkFlagRequired("source")
}

func (f *discoverFlags) parse() (episode.Source, time.Time, time.Time, error) {
	src, err := episode.ParseSource(f.source)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	now := time.Now().UTC()
	from, err := parseDateFlag("from", f.from, now.Add(-defaultDiscoverWindow))
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	to, err := parseDateFlag("to", f.to, now)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	if f.to != "" && len(f.to) == len(time.DateOnly) {
		// A bare end date includes that whole day.
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	if to.Before(from) {
		return "", time.Time{}, time.Time{}, fmt.Errorf("--to %s is before --from %s", f.to, f.from)
	}
	return src, from, to, nil
}

func newDiscoverCommand(cc *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find programmes and episodes on a source and record them",
	}

	var progFlags discoverFlags
	programmes := &cobra.Command{
		Use:   "programmes",
		Short: "Record the programmes a source broadcasts",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, from, to, err := progFlags.parse()
			if err != nil {
				return err
			}
			return runDiscover(cmd, cc, src, func(ctx context.Context, d discoverer) (discover.Result, error) {
				return d.DiscoverProgrammes(ctx, from, to)
			})
		},
	}
	progFlags.bind(programmes)

	var epFlags discoverFlags
	episodes := &cobra.Command{
		Use:   "episodes",
		Short: "Record the episodes of every known programme aired in a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, from, to, err := epFlags.parse()
			if err != nil {
				return err
			}
			return runDiscover(cmd, cc, src, func(ctx context.Context, d discoverer) (discover.Result, error) {
				return d.DiscoverEpisodes(ctx, from, to)
			})
		},
	}
	epFlags.bind(episodes)

	cmd.AddCommand(programmes, episodes)
	return cmd
}

// discoverer hides the per-source differences in programme discovery: the
// GLZ timetable is dated, the C14 shows page is not.
type discoverer interface {
	DiscoverProgrammes(ctx context.Context, from, to time.Time) (discover.Result, error)
	DiscoverEpisodes(ctx context.Context, from, to time.Time) (discover.Result, error)
}

type c14Discoverer struct{ *discover.C14 }

func (c c14Discoverer) DiscoverProgrammes(ctx context.Context, _, _ time.Time) (discover.Result, error) {
	return c.C14.DiscoverProgrammes(ctx)
}

func runDiscover(cmd *cobra.Command, cc *commandContext, src episode.Source, run func(context.Context, discoverer) (discover.Result, error)) error {
	ctx := cmd.Context()
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	db, err := cc.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	client := download.NewClient(cfg.UserAgent, discoveryTimeout)
	var d discoverer
	switch src {
	case episode.SourceGLZ:
		g, err := discover.NewGLZ(discover.GLZOptions{
			BaseURL:         cfg.GLZBaseURL,
			TimetableRootID: cfg.GLZTimetableRootID,
			Client:          client,
			Store:           db,
			Log:             cc.log,
		})
		if err != nil {
			return err
		}
		d = g
	case episode.SourceC14:
		c, err := discover.NewC14(discover.C14Options{
			ShowsPageURL: cfg.C14ShowsPageURL,
			SeriesAPIURL: cfg.C14SeriesAPIURL,
			VODBaseURL:   cfg.C14VODBaseURL,
			Client:       client,
			Store:        db,
			Log:          cc.log,
		})
		if err != nil {
			return err
		}
		d = c14Discoverer{c}
	}

	res, err := run(ctx, d)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "programmes=%d found=%d inserted=%d updated=%d failed=%d\n",
		res.Programmes, res.Found, res.Inserted, res.Updated, res.Failed)
	return nil
}
