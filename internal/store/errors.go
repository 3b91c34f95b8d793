package store

import "errors"

// ErrNoEntry is the sentinel a Tree read returns when the requested path is
// genuinely absent. Any other error from a Tree or Transaction operation is
// fatal to the caller's current operation (§4.B, §7).
var ErrNoEntry = errors.New("store: no entry")

// IsNoEntry reports whether err (or any error it wraps) is ErrNoEntry.
func IsNoEntry(err error) bool {
	return errors.Is(err, ErrNoEntry)
}
