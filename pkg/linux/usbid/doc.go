//go:build linux

// Package usbid resolves USB vendor and product IDs to the names recorded
// in the usb.ids database that ships with most Linux distributions.
//
// Load the database once and keep the result; lookups never touch the
// filesystem again:
//
//	db, err := usbid.Load()
//	if err != nil {
//		// No database installed. db is nil, and Describe still
//		// renders the numeric vid:pid form.
//	}
//	fmt.Println(db.Describe(0x0525, 0xa4a2))
//
// Only the vendor and product tables are parsed. The class, terminal and
// language tables at the end of the file are skipped.
package usbid
