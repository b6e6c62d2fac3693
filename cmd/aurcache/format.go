package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/huyhandes/aurcache/internal/aur"
	"github.com/huyhandes/aurcache/internal/planner"
)

const timeLayout = "Mon 02 Jan 2006 03:04:05 PM MST"

func trimSlash(s string) string {
	return strings.TrimRight(s, "/")
}

func asItemError(err error) (*planner.ItemError, bool) {
	var itemErr *planner.ItemError
	if errors.As(err, &itemErr) {
		return itemErr, true
	}
	return nil, false
}

func writeJSON(w io.Writer, records []aur.Record) error {
	if records == nil {
		records = []aur.Record{}
	}
	data, err := sonic.ConfigStd.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// writeSearch prints brief records the way pacman -Ss does.
func writeSearch(w io.Writer, records []aur.Record) {
	for _, r := range records {
		var flags []string
		if r.OutOfDate != nil {
			flags = append(flags, "(Out-of-date)")
		}
		if r.Orphaned() {
			flags = append(flags, "(Orphaned)")
		}
		line := fmt.Sprintf("aur/%s %s (+%d %.2f)", r.Name, r.Version, r.NumVotes, r.Popularity)
		if len(flags) > 0 {
			line += " " + strings.Join(flags, " ")
		}
		_, _ = fmt.Fprintln(w, line)
		if r.Description != "" {
			_, _ = fmt.Fprintf(w, "    %s\n", r.Description)
		}
	}
}

// writeInfo prints complete records the way pacman -Si does.
func writeInfo(w io.Writer, records []aur.Record, aurURL string) {
	for i, r := range records {
		if i > 0 {
			_, _ = fmt.Fprintln(w)
		}

		field := func(name, value string) {
			if value == "" {
				value = "None"
			}
			_, _ = fmt.Fprintf(w, "%-15s : %s\n", name, value)
		}
		list := func(name string, values []string) {
			field(name, strings.Join(values, "  "))
		}

		field("Repository", "aur")
		field("Name", r.Name)
		if r.PackageBase != "" && r.PackageBase != r.Name {
			field("Package Base", r.PackageBase)
		}
		field("Version", r.Version)
		field("Description", r.Description)
		field("URL", r.URL)
		field("AUR URL", r.PageURL(aurURL))
		list("Groups", r.Groups)
		list("Licenses", r.License)
		list("Provides", r.Provides)
		list("Depends On", r.Depends)
		list("Make Deps", r.MakeDepends)
		list("Check Deps", r.CheckDepends)
		list("Optional Deps", r.OptDepends)
		list("Conflicts With", r.Conflicts)
		list("Replaces", r.Replaces)
		list("Keywords", r.Keywords)
		field("Maintainer", r.Maintainer)
		list("Co-Maintainers", r.CoMaintainers)
		field("Submitter", r.Submitter)
		if r.LastPackager != "" {
			field("Last Packager", r.LastPackager)
		}
		field("Votes", fmt.Sprintf("%d", r.NumVotes))
		field("Popularity", fmt.Sprintf("%.2f", r.Popularity))
		field("First Submitted", formatTime(r.FirstSubmitted))
		field("Last Modified", formatTime(r.LastModified))
		if r.OutOfDate != nil {
			field("Out-of-date", formatTime(*r.OutOfDate))
		} else {
			field("Out-of-date", "No")
		}
	}
}

func formatTime(unix int64) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix, 0).UTC().Format(timeLayout)
}
