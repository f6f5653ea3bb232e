// Copyright 2025 PkgStore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"errors"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Reindex rebuilds the table from the directory layout's per-prefix
// manifests. The manifests are authoritative: a corrupted index must
// never propagate its errors into the rebuilt state, so the current index
// is read only to recover explicit flags and install times, with
// corruption suppressed.
//
// Reindex persists the rebuilt index only when it is the outermost holder
// of the table lock; nested under another transaction, persistence stays
// with the enclosing transaction.
func (d *Database) Reindex(layout Layout) error {
	if layout == nil {
		return errors.New("cannot reindex without a directory layout")
	}

	nested := d.tableLock.InUse()
	if _, err := d.tableLock.AcquireWrite(); err != nil {
		return err
	}
	defer d.tableLock.ReleaseWrite()

	if err := d.readSuppressingCorruption(); err != nil {
		return err
	}
	if err := d.rebuild(layout); err != nil {
		return err
	}
	if !nested {
		return d.writeIndexFile()
	}
	return nil
}

// readSuppressingCorruption loads the current index if one exists,
// turning corruption into the deferred flag rebuild reports on. An index
// from a newer version still fails: rebuilding would throw away state the
// newer software understands.
func (d *Database) readSuppressingCorruption() error {
	if !fileExists(d.indexPath) {
		return nil
	}
	if _, err := d.readIndex(d.indexPath, formatJSON); err != nil {
		var corrupt *CorruptIndexError
		if !errors.As(err, &corrupt) {
			return err
		}
		d.data = map[string]*InstallRecord{}
		d.pendingErr = err
	}
	return nil
}

// rebuild replaces the table with one reconstructed from the layout. Any
// failure restores the previous table verbatim, so a failed reindex never
// leaves a half-rebuilt table in memory.
func (d *Database) rebuild(layout Layout) (err error) {
	if d.pendingErr != nil {
		log.Warnf("install index was corrupt and will be rebuilt: %v", d.pendingErr)
		d.pendingErr = nil
	}

	previous := d.data
	defer func() {
		if err != nil {
			d.data = previous
		}
	}()
	d.data = map[string]*InstallRecord{}

	specs, err := layout.AllSpecs()
	if err != nil {
		return err
	}

	processed := map[string]bool{}
	for _, s := range specs {
		key := s.DagHash()

		// Recover explicit and install time from the old table when we
		// can; default explicit to true so that nothing a user may have
		// asked for becomes autoremovable after a rebuild.
		explicit := true
		installTime := prefixTimestamp(layout.PathFor(s))
		if old, ok := previous[key]; ok {
			explicit = old.Explicit
			installTime = old.InstallTime
		}

		if err = d.add(s, layout, explicit, installTime); err != nil {
			return err
		}
		processed[key] = true
	}

	// Hashes left over from the previous table are typically external
	// packages the layout cannot enumerate. Externals are trusted as
	// valid; anything else is revalidated against its prefix and dropped
	// silently when invalid.
	for key, old := range previous {
		if processed[key] {
			continue
		}
		if !old.Spec.External {
			if checkErr := layout.CheckInstalled(old.Spec); checkErr != nil {
				log.Debugf("dropping %s from the index: %v", old.Spec, checkErr)
				continue
			}
		}
		if addErr := d.add(old.Spec, layout, old.Explicit, old.InstallTime); addErr != nil {
			log.Debugf("could not restore %s from the previous index: %v", old.Spec, addErr)
			continue
		}
		processed[key] = true
	}

	return d.checkRefCounts()
}

// prefixTimestamp approximates when a prefix was created. True creation
// time is not portable; the directory's modification time is the closest
// stable stand-in.
func prefixTimestamp(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}
