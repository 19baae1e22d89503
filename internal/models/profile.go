package models

// DBKind is the canonical database kind of a Nextcloud instance.
type DBKind string

// Supported database kinds.
const (
	DBKindUnknown  DBKind = "unknown"
	DBKindSQLite   DBKind = "sqlite"
	DBKindMySQL    DBKind = "mysql"
	DBKindMariaDB  DBKind = "mariadb"
	DBKindPostgres DBKind = "postgres"
)

// Supported reports whether backup and restore can handle the kind.
func (k DBKind) Supported() bool {
	switch k {
	case DBKindSQLite, DBKindMySQL, DBKindMariaDB, DBKindPostgres:
		return true
	default:
		return false
	}
}

// NeedsContainer reports whether the kind is served by a separate database container.
func (k DBKind) NeedsContainer() bool {
	return k.Supported() && k != DBKindSQLite
}

// DumpExtension returns the archive extension used for the kind's dump file.
func (k DBKind) DumpExtension() string {
	if k == DBKindSQLite {
		return ".db"
	}
	return ".sql"
}

// DefaultPort returns the default port of the kind's server.
func (k DBKind) DefaultPort() int {
	switch k {
	case DBKindMySQL, DBKindMariaDB:
		return 3306
	case DBKindPostgres:
		return 5432
	default:
		return 0
	}
}

// DatabaseProfile is derived from a parsed Nextcloud config.php.
// For sqlite all connection fields are empty.
type DatabaseProfile struct {
	Kind           DBKind
	Name           string
	User           string
	Password       string
	Host           string
	Port           string
	DataDirectory  string
	TrustedDomains []string
}

// HostName returns dbhost without a trailing ":port" suffix.
func (p DatabaseProfile) HostName() string {
	host := p.Host
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
		if host[i] < '0' || host[i] > '9' {
			break
		}
	}
	return host
}
