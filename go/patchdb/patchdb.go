// Package patchdb is the persistent knowledge base of which patches must
// be applied to which commits to make them buildable, and which
// (commit, patch-set) combinations are known to fail anyway.
//
// The entire store is one JSON object. Patch basenames map to the list of
// commit hashes they apply to; the reserved key "bad" maps project ->
// commit -> list of patch-name sets that failed to build; the reserved key
// "manual" lists "project commit" pairs that no automated patch could fix.
// Every mutation reloads, modifies and atomically rewrites the whole
// document, so concurrent readers never observe partial state.
package patchdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/DeadCodeProductions/dead/go/util"
)

const (
	badKey    = "bad"
	manualKey = "manual"
)

// DB is the patch database. Safe for concurrent use within one process;
// cross-process consistency relies on the atomic whole-document rewrite.
type DB struct {
	path     string
	patchDir string

	mtx sync.Mutex
}

type document struct {
	// patches maps a patch basename to the commits requiring it.
	patches map[string][]string
	// bad maps project -> commit -> sets of patch basenames known to fail.
	bad map[string]map[string][][]string
	// manual holds "project commit" strings requiring human intervention.
	manual []string
}

// New opens the patch database at path. Patch files referenced by the
// database are expected to live in patchDir. A missing database file is
// created empty.
func New(path, patchDir string) (*DB, error) {
	db := &DB{path: path, patchDir: patchDir}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := db.persist(&document{patches: map[string][]string{}}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "Failed to stat patch database %s", path)
	}
	// Validate that the document parses before handing out the DB.
	if _, err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) load() (*document, error) {
	b, err := os.ReadFile(db.path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read patch database %s", db.path)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrapf(err, "Patch database %s is not a JSON object", db.path)
	}
	doc := &document{
		patches: map[string][]string{},
		bad:     map[string]map[string][][]string{},
	}
	for key, val := range raw {
		switch key {
		case badKey:
			if err := json.Unmarshal(val, &doc.bad); err != nil {
				return nil, errors.Wrap(err, "Failed to parse known-bad entries")
			}
		case manualKey:
			if err := json.Unmarshal(val, &doc.manual); err != nil {
				return nil, errors.Wrap(err, "Failed to parse manual entries")
			}
		default:
			var commits []string
			if err := json.Unmarshal(val, &commits); err != nil {
				return nil, errors.Wrapf(err, "Failed to parse commit list for patch %s", key)
			}
			doc.patches[key] = commits
		}
	}
	return doc, nil
}

// persist writes the whole document to a temporary file and renames it over
// the database path, so readers only ever see a complete document.
func (db *DB) persist(doc *document) error {
	raw := map[string]interface{}{}
	for patch, commits := range doc.patches {
		raw[patch] = commits
	}
	if len(doc.bad) > 0 {
		raw[badKey] = doc.bad
	}
	if len(doc.manual) > 0 {
		raw[manualKey] = doc.manual
	}
	b, err := json.MarshalIndent(raw, "", "    ")
	if err != nil {
		return errors.Wrap(err, "Failed to serialize patch database")
	}
	return util.WriteFileAtomic(db.path, b, 0644)
}

// mutate runs fn against a freshly loaded document and persists the result.
func (db *DB) mutate(fn func(*document)) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	doc, err := db.load()
	if err != nil {
		return err
	}
	fn(doc)
	return db.persist(doc)
}

// patchSetKey gives the canonical order-independent identity of a set of
// patches.
func patchSetKey(patches []string) string {
	names := make([]string, 0, len(patches))
	for _, p := range patches {
		names = append(names, filepath.Base(p))
	}
	sort.Strings(names)
	return strings.Join(names, "\x00")
}

// RequiredPatches returns the full paths of the patches known to be
// required to build the given commit, in deterministic order.
func (db *DB) RequiredPatches(commit string) ([]string, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	doc, err := db.load()
	if err != nil {
		return nil, err
	}
	var required []string
	for patch, commits := range doc.patches {
		if util.In(commit, commits) {
			required = append(required, filepath.Join(db.patchDir, patch))
		}
	}
	sort.Strings(required)
	return required, nil
}

// IsKnownBad reports whether this exact (patch-set, commit) combination has
// already failed to build for the given project. Patch sets compare with
// set semantics: order does not matter.
func (db *DB) IsKnownBad(patches []string, project, commit string) (bool, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	doc, err := db.load()
	if err != nil {
		return false, err
	}
	key := patchSetKey(patches)
	for _, known := range doc.bad[project][commit] {
		if patchSetKey(known) == key {
			return true, nil
		}
	}
	return false, nil
}

// Save records that the given patch is required for each of the given
// commits.
func (db *DB) Save(patch string, commits []string) error {
	basename := filepath.Base(patch)
	return db.mutate(func(doc *document) {
		merged := append(doc.patches[basename], commits...)
		sort.Strings(merged)
		doc.patches[basename] = util.Dedup(merged)
	})
}

// SaveBad records that building commit with exactly this patch set failed
// for the given project.
func (db *DB) SaveBad(patches []string, project, commit string) error {
	names := baseNames(patches)
	return db.mutate(func(doc *document) {
		if doc.bad[project] == nil {
			doc.bad[project] = map[string][][]string{}
		}
		key := patchSetKey(patches)
		for _, known := range doc.bad[project][commit] {
			if patchSetKey(known) == key {
				return
			}
		}
		doc.bad[project][commit] = append(doc.bad[project][commit], names)
	})
}

// ClearBad removes a previously recorded known-bad combination, e.g. after
// a forced build succeeded after all.
func (db *DB) ClearBad(patches []string, project, commit string) error {
	key := patchSetKey(patches)
	return db.mutate(func(doc *document) {
		combos := doc.bad[project][commit]
		if combos == nil {
			return
		}
		kept := combos[:0]
		for _, known := range combos {
			if patchSetKey(known) != key {
				kept = append(kept, known)
			}
		}
		doc.bad[project][commit] = kept
	})
}

// MarkManual flags (project, commit) as requiring human intervention; no
// automated patching attempt should be made for it again.
func (db *DB) MarkManual(project, commit string) error {
	entry := fmt.Sprintf("%s %s", project, commit)
	return db.mutate(func(doc *document) {
		if util.In(entry, doc.manual) {
			return
		}
		doc.manual = append(doc.manual, entry)
		sort.Strings(doc.manual)
	})
}

// IsManual reports whether (project, commit) was flagged by MarkManual.
func (db *DB) IsManual(project, commit string) (bool, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	doc, err := db.load()
	if err != nil {
		return false, err
	}
	return util.In(fmt.Sprintf("%s %s", project, commit), doc.manual), nil
}

func baseNames(patches []string) []string {
	names := make([]string, 0, len(patches))
	for _, p := range patches {
		names = append(names, filepath.Base(p))
	}
	return names
}
