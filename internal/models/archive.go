package models

import "time"

// Component is an independently selectable top-level directory in the archive.
type Component string

// Archive components.
const (
	ComponentConfig     Component = "config"
	ComponentData       Component = "data"
	ComponentApps       Component = "apps"
	ComponentCustomApps Component = "custom_apps"
)

// AllComponents lists every component in archive order.
var AllComponents = []Component{ComponentConfig, ComponentData, ComponentApps, ComponentCustomApps}

// ParseComponent validates a component name.
func ParseComponent(s string) (Component, bool) {
	for _, c := range AllComponents {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// ArchiveEntry pairs a source path on disk with its name inside the archive.
type ArchiveEntry struct {
	SourcePath  string
	ArchiveName string
}

// ArchiveMetadata is written as the leading member of every archive.
type ArchiveMetadata struct {
	Tool       string      `json:"tool"`
	Version    string      `json:"version"`
	CreatedAt  time.Time   `json:"created_at"`
	DBKind     DBKind      `json:"db_kind"`
	Components []Component `json:"components"`
	Note       string      `json:"note,omitempty"`
}

// ExtractProgress is reported after every extracted member.
type ExtractProgress struct {
	Members         int
	BytesRead       int64 // compressed bytes consumed from the archive file
	TotalBytes      int64 // size of the archive file, 0 if unknown
	CurrentMember   string
	CurrentMemberSz int64
}

// WriteProgress is reported after every written member.
type WriteProgress struct {
	Members      int
	TotalMembers int
	BytesWritten int64
	TotalBytes   int64
	Current      string
}

// ArchiveManifest is the view of an archive after a full read.
type ArchiveManifest struct {
	Root       string
	Components []Component
	DumpFile   string // archive name of the database dump, empty for sqlite
	ConfigPath string // archive name of the authoritative config.php
	Members    int
}

// WebRoot is the Nextcloud installation directory inside the app container.
const WebRoot = "/var/www/html"

// ContainerPath returns where the component lives inside the app container.
// The data component follows the instance's configured data directory.
func (c Component) ContainerPath(dataDirectory string) string {
	if c == ComponentData && dataDirectory != "" {
		return dataDirectory
	}
	return WebRoot + "/" + string(c)
}
