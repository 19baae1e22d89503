// Package phpconfig reads and rewrites the $CONFIG array of a Nextcloud config.php.
//
// The grammar handled is the narrow one Nextcloud itself emits:
// 'key' => 'value' pairs and 'trusted_domains' => array ( N => 'value', ... ).
package phpconfig

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/fgeck/nextcloud-backup/internal/models"
)

// DefaultDataDirectory is used when config.php does not set datadirectory.
const DefaultDataDirectory = "/var/www/html/data"

// ErrNotConfig is returned when the input lacks a $CONFIG array.
var ErrNotConfig = errors.New("no $CONFIG array found")

var (
	scalarRe  = regexp.MustCompile(`'([A-Za-z0-9_.\-]+)'\s*=>\s*(?:'((?:[^'\\]|\\.)*)'|"((?:[^"\\]|\\.)*)"|(-?\d+)|(true|false|TRUE|FALSE))`)
	domainsRe = regexp.MustCompile(`'trusted_domains'\s*=>\s*(?:array\s*\(|\[)`)
	itemRe    = regexp.MustCompile(`(?:\d+\s*=>\s*)?'((?:[^'\\]|\\.)*)'`)
)

// Recognized config keys.
const (
	KeyDBType         = "dbtype"
	KeyDBName         = "dbname"
	KeyDBUser         = "dbuser"
	KeyDBPassword     = "dbpassword"
	KeyDBHost         = "dbhost"
	KeyDBPort         = "dbport"
	KeyDataDirectory  = "datadirectory"
	KeyTrustedDomains = "trusted_domains"
)

// Result is the outcome of parsing config.php.
type Result struct {
	Profile models.DatabaseProfile
	Raw     map[string]string // every scalar key/value pair
}

// ParseFile parses a config.php file on disk.
func ParseFile(path string) (*Result, error) {
	content, err := os.ReadFile(path) //nolint:gosec // path is controlled by caller
	if err != nil {
		return nil, fmt.Errorf("reading config.php: %w", err)
	}
	return Parse(content)
}

// Parse extracts the database profile from config.php source.
func Parse(content []byte) (*Result, error) {
	src := string(content)
	if !strings.Contains(src, "$CONFIG") {
		return nil, ErrNotConfig
	}

	// trusted_domains items look like scalars to scalarRe, so cut the block out first.
	block, hasDomains := findDomains(src)
	var domains []string
	scalars := src
	if hasDomains {
		domains = parseDomains(src[block.bodyStart:block.bodyEnd])
		scalars = src[:block.start] + src[block.end:]
	}

	raw := make(map[string]string)
	for _, idx := range scalarRe.FindAllStringSubmatchIndex(scalars, -1) {
		key := scalars[idx[2]:idx[3]]
		if _, seen := raw[key]; seen {
			continue
		}
		group := func(n int) (string, bool) {
			if idx[2*n] < 0 {
				return "", false
			}
			return scalars[idx[2*n]:idx[2*n+1]], true
		}
		if v, ok := group(2); ok {
			raw[key] = unescapeSingle(v)
		} else if v, ok := group(3); ok {
			raw[key] = unescapeDouble(v)
		} else if v, ok := group(4); ok {
			raw[key] = v
		} else if v, ok := group(5); ok {
			raw[key] = strings.ToLower(v)
		}
	}

	kind := CanonicalKind(raw[KeyDBType])
	profile := models.DatabaseProfile{
		Kind:          kind,
		DataDirectory: raw[KeyDataDirectory],
	}
	if profile.DataDirectory == "" {
		profile.DataDirectory = DefaultDataDirectory
	}
	if hasDomains {
		profile.TrustedDomains = domains
	}

	if kind.NeedsContainer() {
		profile.Name = raw[KeyDBName]
		profile.User = raw[KeyDBUser]
		profile.Password = raw[KeyDBPassword]
		profile.Host = raw[KeyDBHost]
		profile.Port = raw[KeyDBPort]
		if profile.Name == "" || profile.User == "" {
			return nil, fmt.Errorf("%s config without dbname or dbuser", kind)
		}
	}

	return &Result{Profile: profile, Raw: raw}, nil
}

// CanonicalKind maps a dbtype value to a DBKind. Callers must refuse DBKindUnknown.
func CanonicalKind(dbtype string) models.DBKind {
	switch strings.ToLower(strings.TrimSpace(dbtype)) {
	case "sqlite", "sqlite3":
		return models.DBKindSQLite
	case "mysql":
		return models.DBKindMySQL
	case "mariadb":
		return models.DBKindMariaDB
	case "pgsql", "postgres", "postgresql":
		return models.DBKindPostgres
	default:
		return models.DBKindUnknown
	}
}

// SQLiteFileName returns the database file name Nextcloud uses for sqlite
// installs: <dbname>.db inside the data directory.
func SQLiteFileName(raw map[string]string) string {
	name := raw[KeyDBName]
	if name == "" {
		name = "owncloud"
	}
	return name + ".db"
}

// LooksAuthoritative is the content check applied to config.php candidates.
func LooksAuthoritative(content []byte) bool {
	s := string(content)
	return strings.Contains(s, "$CONFIG") && strings.Contains(s, "dbtype")
}

// domainsBlock locates the trusted_domains entry: [start, end) is the whole
// entry including a trailing comma, [bodyStart, bodyEnd) the array items.
type domainsBlock struct {
	start, bodyStart, bodyEnd, end int
}

// findDomains scans the trusted_domains array up to its closing bracket.
// Brackets inside quoted items such as '[::1]' do not end the array.
func findDomains(src string) (domainsBlock, bool) {
	loc := domainsRe.FindStringIndex(src)
	if loc == nil {
		return domainsBlock{}, false
	}
	b := domainsBlock{start: loc[0], bodyStart: loc[1]}

	depth := 0
	var quote byte
	for i := loc[1]; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[':
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
				continue
			}
			b.bodyEnd = i
			b.end = i + 1
			for b.end < len(src) && strings.ContainsRune(" \t\r\n", rune(src[b.end])) {
				b.end++
			}
			if b.end < len(src) && src[b.end] == ',' {
				b.end++
			} else {
				b.end = i + 1
			}
			return b, true
		}
	}
	return domainsBlock{}, false
}

func parseDomains(body string) []string {
	domains := []string{}
	seen := make(map[string]bool)
	for _, item := range itemRe.FindAllStringSubmatch(body, -1) {
		d := unescapeSingle(item[1])
		if seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	return domains
}

func unescapeSingle(s string) string {
	return strings.NewReplacer(`\\`, `\`, `\'`, `'`).Replace(s)
}

func unescapeDouble(s string) string {
	return strings.NewReplacer(`\\`, `\`, `\"`, `"`, `\$`, `$`).Replace(s)
}

func escapeSingle(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
