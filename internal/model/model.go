// Package model holds the data types shared across the mirror pipeline.
package model

// Digests maps a hash algorithm name (e.g. "sha256") to its hex digest.
type Digests map[string]string

// ReleaseFile is a single downloadable artifact for one package version.
type ReleaseFile struct {
	URL            string  `json:"url"`
	Filename       string  `json:"filename"`
	Digests        Digests `json:"digests"`
	RequiresPython string  `json:"requires_python,omitempty"`
	Size           int64   `json:"size,omitempty"`
}

// Package is one upstream package: its metadata and the release files
// across all of its versions.
type Package struct {
	RawName        string
	NormalizedName string
	SerialHint     int64
	LastSerial     int64

	// Metadata is the raw upstream JSON metadata document, decoded as a
	// generic map so every field upstream sent is kept; the writer
	// re-serializes it (sorted keys, indent 4) rather than copying bytes.
	Metadata map[string]any

	// Releases maps version string to the list of release files for that
	// version. Mutated in place by release/release-file filters.
	Releases map[string][]ReleaseFile
}

// ReleaseFiles flattens Releases into a single slice, the shape the simple
// page renderer and the syncer both want to iterate over.
func (p *Package) ReleaseFiles() []ReleaseFile {
	var out []ReleaseFile
	for _, files := range p.Releases {
		out = append(out, files...)
	}
	return out
}
