package main

import (
	"strings"
	"testing"
	"time"

	"github.com/snarg/radio-archive/internal/database"
	"github.com/snarg/radio-archive/internal/episode"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	want := []string{"process", "serve", "discover", "retry", "migrate", "status"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	for _, name := range []string{"programmes", "episodes"} {
		cmd, _, err := root.Find([]string{"discover", name})
		if err != nil || cmd.Name() != name {
			t.Errorf("discover %q not registered", name)
		}
	}
}

func TestParseDateFlag(t *testing.T) {
	def := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{"empty_uses_default", "", def, false},
		{"date_only", "2024-03-10", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), false},
		{"rfc3339", "2024-03-10T20:00:00Z", time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC), false},
		{"garbage", "10/03/2024", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDateFlag("from", tt.in, def)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiscoverFlagsParse(t *testing.T) {
	t.Run("bare_to_date_covers_whole_day", func(t *testing.T) {
		f := discoverFlags{source: "GLZ", from: "2024-03-01", to: "2024-03-10"}
		src, from, to, err := f.parse()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if src != episode.SourceGLZ {
			t.Errorf("source = %q", src)
		}
		if !from.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("from = %v", from)
		}
		if to.Format(time.DateOnly) != "2024-03-10" || to.Hour() != 23 {
			t.Errorf("to = %v, want the end of 2024-03-10", to)
		}
	})

	t.Run("to_before_from", func(t *testing.T) {
		f := discoverFlags{source: "c14", from: "2024-03-10", to: "2024-03-01"}
		if _, _, _, err := f.parse(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("unknown_source", func(t *testing.T) {
		f := discoverFlags{source: "kan"}
		if _, _, _, err := f.parse(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("defaults_to_last_week", func(t *testing.T) {
		f := discoverFlags{source: "c14"}
		_, from, to, err := f.parse()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d := to.Sub(from); d != defaultDiscoverWindow {
			t.Errorf("window = %v, want %v", d, defaultDiscoverWindow)
		}
	})
}

func TestRenderStatusCounts(t *testing.T) {
	out := renderStatusCounts([]database.StatusCount{
		{ChannelID: 1, Source: "c14", Status: episode.StatusError, Count: 2},
		{ChannelID: 0, Source: "glz", Status: episode.StatusDownloaded, Count: 12345, Duplicates: 7},
		{ChannelID: 0, Source: "glz", Status: episode.StatusNotDownloaded, Count: 3},
	})

	for _, want := range []string{"Source", "Duplicates", "12,345", "not_downloaded", "c14"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	// glz rows come first, not_downloaded before downloaded.
	nd := strings.Index(out, "not_downloaded")
	dl := strings.Index(out, "12,345")
	c14 := strings.Index(out, "c14")
	if !(nd < dl && dl < c14) {
		t.Errorf("rows out of order:\n%s", out)
	}
}
