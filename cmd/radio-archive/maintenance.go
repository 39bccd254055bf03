package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/snarg/radio-archive/internal/database"
	"github.com/snarg/radio-archive/internal/episode"
)

func newRetryCommand(cc *commandContext) *cobra.Command {
	var sourceFlag string

	cmd := &cobra.Command{
		Use:   "retry [episode-id...]",
		Short: "Make failed episodes eligible for processing again",
		Long: "Reset failed episodes so the next process run picks them up. Episodes that\n" +
			"already staged segments resume from their checkpoint. With no ids, every\n" +
			"failed episode (of --source, if given) is reset.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter database.ResetFilter
			if sourceFlag != "" {
				src, err := episode.ParseSource(sourceFlag)
				if err != nil {
					return err
				}
				filter.Source = &src
			}
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid episode id %q", a)
				}
				filter.IDs = append(filter.IDs, id)
			}

			db, err := cc.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.ResetErrors(cmd.Context(), filter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s failed episode(s)\n", humanize.Comma(n))
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceFlag, "source", "", "Only reset episodes of this source: glz or c14")
	return cmd
}

func newMigrateCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema on a fresh database and apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := cc.connect(cmd.Context())
			if err != nil {
				return err
			}
			db.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}

func newStatusCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the episode backlog per source and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := cc.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := db.StatusCounts(cmd.Context())
			if err != nil {
				return err
			}
			if len(counts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No episodes recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatusCounts(counts))
			return nil
		},
	}
}

var statusOrder = map[episode.Status]int{
	episode.StatusNotDownloaded: 0,
	episode.StatusInProgress:    1,
	episode.StatusDownloaded:    2,
	episode.StatusError:         3,
}

func renderStatusCounts(counts []database.StatusCount) string {
	sorted := append([]database.StatusCount(nil), counts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ChannelID != sorted[j].ChannelID {
			return sorted[i].ChannelID < sorted[j].ChannelID
		}
		return statusOrder[sorted[i].Status] < statusOrder[sorted[j].Status]
	})

	rows := make([][]string, 0, len(sorted))
	for _, c := range sorted {
		src := c.Source
		if src == "" {
			src = strconv.Itoa(c.ChannelID)
		}
		rows = append(rows, []string{
			src,
			string(c.Status),
			humanize.Comma(c.Count),
			humanize.Comma(c.Duplicates),
		})
	}
	return renderTable(
		[]string{"Source", "Status", "Episodes", "Duplicates"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
	)
}
