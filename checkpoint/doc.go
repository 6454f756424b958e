// Package checkpoint persists run snapshots so interrupted workflows can
// resume from the last consistent state instead of restarting. It provides
// several storage backends behind one Store interface and a Manager that
// adds version numbering, checksums, and fallback to older versions when
// the newest checkpoint is corrupted.
package checkpoint
