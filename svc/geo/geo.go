// Package geo resolves client IPs to a coarse location from a static CIDR
// table. Lookups are best-effort: an unknown or unparseable address is
// simply not resolved.
package geo

import (
	"encoding/csv"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type Location struct {
	Country string
	City    string
}

type entry struct {
	prefix netip.Prefix
	loc    Location
}

// Table matches the most specific prefix containing the address.
type Table struct {
	entries []entry
}

// Load reads a CSV table of "cidr,country[,city]" rows, where country is
// an ISO 3166 alpha-2 code. Blank lines and rows starting with '#' are
// skipped.
func Load(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	t := &Table{}
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.Wrapf(err, "geo table line %d", line)
		}
		if len(rec) < 2 {
			return nil, errors.Errorf("geo table line %d: want cidr,country[,city]", line)
		}
		prefix, err := netip.ParsePrefix(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, errors.Wrapf(err, "geo table line %d", line)
		}
		loc := Location{Country: strings.ToUpper(strings.TrimSpace(rec[1]))}
		if !isCountryCode(loc.Country) {
			return nil, errors.Errorf("geo table line %d: country %q is not a two-letter code", line, rec[1])
		}
		if len(rec) > 2 {
			loc.City = strings.TrimSpace(rec[2])
		}
		t.entries = append(t.entries, entry{prefix: prefix.Masked(), loc: loc})
	}
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].prefix.Bits() > t.entries[j].prefix.Bits()
	})
	return t, nil
}

func isCountryCode(s string) bool {
	return len(s) == 2 && s[0] >= 'A' && s[0] <= 'Z' && s[1] >= 'A' && s[1] <= 'Z'
}

func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open geo table")
	}
	defer f.Close()
	return Load(f)
}

func (t *Table) Resolve(ip string) (Location, bool) {
	if t == nil {
		return Location{}, false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Location{}, false
	}
	addr = addr.Unmap()
	for _, e := range t.entries {
		if e.prefix.Contains(addr) {
			return e.loc, true
		}
	}
	return Location{}, false
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
