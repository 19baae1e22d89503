package phpconfig

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fgeck/nextcloud-backup/internal/models"
)

var (
	openerRe = regexp.MustCompile(`\$CONFIG\s*=\s*(?:array\s*\(|\[)`)
	dbhostRe = regexp.MustCompile(`('dbhost'\s*=>\s*)(?:'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*")`)
)

// Render produces a minimal config.php for a profile. Parse(Render(p)) == p
// for every profile Parse can return.
func Render(p models.DatabaseProfile) []byte {
	var b strings.Builder
	b.WriteString("<?php\n$CONFIG = array (\n")

	if p.TrustedDomains != nil {
		b.WriteString(renderDomains(p.TrustedDomains))
		b.WriteString("\n")
	}
	if p.DataDirectory != "" {
		writePair(&b, KeyDataDirectory, p.DataDirectory)
	}
	writePair(&b, KeyDBType, dbtypeValue(p.Kind))

	if p.Kind.NeedsContainer() {
		writePair(&b, KeyDBName, p.Name)
		writePair(&b, KeyDBHost, p.Host)
		if p.Port != "" {
			writePair(&b, KeyDBPort, p.Port)
		}
		writePair(&b, KeyDBUser, p.User)
		writePair(&b, KeyDBPassword, p.Password)
	}

	b.WriteString(");\n")
	return []byte(b.String())
}

func dbtypeValue(kind models.DBKind) string {
	switch kind {
	case models.DBKindSQLite:
		return "sqlite3"
	case models.DBKindPostgres:
		return "pgsql"
	default:
		return string(kind)
	}
}

func writePair(b *strings.Builder, key, value string) {
	fmt.Fprintf(b, "  '%s' => '%s',\n", key, escapeSingle(value))
}

func renderDomains(domains []string) string {
	var b strings.Builder
	b.WriteString("  'trusted_domains' => \n  array (\n")
	for i, d := range domains {
		fmt.Fprintf(&b, "    %d => '%s',\n", i, escapeSingle(d))
	}
	b.WriteString("  ),")
	return b.String()
}

// PatchOptions selects the keys rewritten by Patch. A nil field is left alone.
type PatchOptions struct {
	DBHost *string
	// TrustedDomains: nil preserves the existing list, an empty slice clears it,
	// anything else replaces it.
	TrustedDomains []string
}

// Patch rewrites dbhost and trusted_domains in config.php source, leaving
// every other key untouched.
func Patch(content []byte, opts PatchOptions) ([]byte, error) {
	src := string(content)
	opener := openerRe.FindStringIndex(src)
	if opener == nil {
		return nil, ErrNotConfig
	}

	if opts.DBHost != nil {
		value := "'" + escapeSingle(*opts.DBHost) + "'"
		if m := dbhostRe.FindStringSubmatchIndex(src); m != nil {
			src = src[:m[3]] + value + src[m[1]:]
		} else {
			src = insertAfterOpener(src, fmt.Sprintf("\n  '%s' => %s,", KeyDBHost, value))
		}
	}

	if opts.TrustedDomains != nil {
		block := renderDomains(opts.TrustedDomains)
		if m, ok := findDomains(src); ok {
			src = src[:m.start] + strings.TrimLeft(block, " ") + src[m.end:]
		} else {
			src = insertAfterOpener(src, "\n"+block)
		}
	}

	return []byte(src), nil
}

// Patched returns the profile Parse yields for p's config.php after Patch
// with opts has been applied.
func Patched(p models.DatabaseProfile, opts PatchOptions) models.DatabaseProfile {
	if opts.DBHost != nil && p.Kind.NeedsContainer() {
		p.Host = *opts.DBHost
	}
	if opts.TrustedDomains != nil {
		domains := []string{}
		seen := make(map[string]bool)
		for _, d := range opts.TrustedDomains {
			if !seen[d] {
				seen[d] = true
				domains = append(domains, d)
			}
		}
		p.TrustedDomains = domains
	}
	return p
}

func insertAfterOpener(src, text string) string {
	loc := openerRe.FindStringIndex(src)
	return src[:loc[1]] + text + src[loc[1]:]
}
