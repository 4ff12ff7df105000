//go:build linux

package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// DefaultPaths lists the locations where Linux distributions install the
// usb.ids database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// DB maps USB vendor and product IDs to the names registered for them.
// A DB is immutable once loaded and safe for concurrent lookups.
type DB struct {
	vendors  map[uint16]string
	products map[uint32]string // VID<<16 | PID
}

// Load parses the first readable database from paths, or from
// [DefaultPaths] when none are given. When every path fails the returned
// error joins the individual failures.
func Load(paths ...string) (*DB, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	var errs error
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		db, err := parse(f)
		f.Close()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		return db, nil
	}
	return nil, errs
}

// parse reads the usb.ids vendor table. Vendor lines are unindented
// "vvvv  Name" entries, product lines below them are indented with one
// tab. The class, terminal and language tables that follow the vendors
// use non-hex section prefixes and fall out of splitEntry.
func parse(r io.Reader) (*DB, error) {
	db := &DB{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
	var vid uint16
	var haveVendor bool
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "\t"); ok {
			// Doubly indented lines describe interfaces of the
			// product above; there is nothing to keep from them.
			if !haveVendor || strings.HasPrefix(rest, "\t") {
				continue
			}
			if id, name, ok := splitEntry(rest); ok {
				db.products[uint32(vid)<<16|uint32(id)] = name
			}
			continue
		}
		id, name, ok := splitEntry(line)
		if !ok {
			haveVendor = false
			continue
		}
		vid, haveVendor = id, true
		db.vendors[id] = name
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// splitEntry splits an "xxxx  Name" line into its 16-bit hex ID and name.
func splitEntry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(s[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the name registered for vid, or "" when unknown.
// Lookups on a nil DB report every ID as unknown.
func (db *DB) Vendor(vid uint16) string {
	if db == nil {
		return ""
	}
	return db.vendors[vid]
}

// Product returns the name registered for vid:pid, or "" when unknown.
func (db *DB) Product(vid, pid uint16) string {
	if db == nil {
		return ""
	}
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Describe renders vid:pid with the registered names where the database
// has them, degrading to the numeric form where it does not. It works on
// a nil DB, so callers need not check whether a database loaded before
// formatting a log line.
func (db *DB) Describe(vid, pid uint16) string {
	vendor := db.Vendor(vid)
	if vendor == "" {
		return fmt.Sprintf("%04x:%04x", vid, pid)
	}
	product := db.Product(vid, pid)
	if product == "" {
		return fmt.Sprintf("%s %04x:%04x", vendor, vid, pid)
	}
	return vendor + " " + product
}
