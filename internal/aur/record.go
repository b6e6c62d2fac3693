package aur

import (
	"net/url"
	"strings"
)

// Record is one package as returned by the RPC interface.
//
// Records decoded from a multiinfo response carry every field and have Full
// set. Search responses omit the dependency, license and keyword lists and
// produce brief records.
type Record struct {
	ID             int64    `json:"ID"`
	Name           string   `json:"Name"`
	PackageBaseID  int64    `json:"PackageBaseID"`
	PackageBase    string   `json:"PackageBase"`
	Version        string   `json:"Version"`
	Description    string   `json:"Description"`
	URL            string   `json:"URL"`
	NumVotes       int64    `json:"NumVotes"`
	Popularity     float64  `json:"Popularity"`
	OutOfDate      *int64   `json:"OutOfDate"`
	Maintainer     string   `json:"Maintainer"`
	Submitter      string   `json:"Submitter,omitempty"`
	CoMaintainers  []string `json:"CoMaintainers,omitempty"`
	FirstSubmitted int64    `json:"FirstSubmitted"`
	LastModified   int64    `json:"LastModified"`
	URLPath        string   `json:"URLPath"`

	Depends      []string `json:"Depends,omitempty"`
	MakeDepends  []string `json:"MakeDepends,omitempty"`
	CheckDepends []string `json:"CheckDepends,omitempty"`
	OptDepends   []string `json:"OptDepends,omitempty"`
	Conflicts    []string `json:"Conflicts,omitempty"`
	Provides     []string `json:"Provides,omitempty"`
	Replaces     []string `json:"Replaces,omitempty"`
	Groups       []string `json:"Groups,omitempty"`
	License      []string `json:"License,omitempty"`
	Keywords     []string `json:"Keywords,omitempty"`

	// LastPackager is scraped from the package page on request and is never
	// part of a cached payload.
	LastPackager string `json:"LastPackager,omitempty"`

	Full bool `json:"-"`
}

// Complete reports whether r holds a full info record.
func (r *Record) Complete() bool {
	return r != nil && r.Full && r.Name != ""
}

// Orphaned reports whether the package has no maintainer.
func (r *Record) Orphaned() bool {
	return r.Maintainer == ""
}

// SnapshotURL returns the absolute URL of the snapshot tarball.
func (r *Record) SnapshotURL(base string) string {
	if r.URLPath == "" || strings.HasPrefix(r.URLPath, "http://") || strings.HasPrefix(r.URLPath, "https://") {
		return r.URLPath
	}
	return strings.TrimSuffix(base, "/") + r.URLPath
}

// PageURL returns the package page on the AUR website.
func (r *Record) PageURL(base string) string {
	return strings.TrimSuffix(base, "/") + "/packages/" + url.PathEscape(r.Name)
}
