package bisection

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/DeadCodeProductions/dead/go/compilers"
	"github.com/DeadCodeProductions/dead/go/util"
)

// Case is one regression under investigation: a test program that is
// interesting under the bad setting but not under the good ones, plus the
// results accumulated while working on it.
type Case struct {
	// Code is the test program source.
	Code string `json:"code"`
	// Marker is the symbol whose presence in the compiled output signals
	// interestingness.
	Marker string `json:"marker"`

	BadSetting   compilers.Setting   `json:"bad_setting"`
	GoodSettings []compilers.Setting `json:"good_settings"`

	// ReducedCode holds progressively smaller versions of Code that preserve
	// interestingness, newest last.
	ReducedCode []string `json:"reduced_code,omitempty"`
	// Bisections holds the boundary commits found so far, one per reduction
	// that was bisected.
	Bisections []string `json:"bisections,omitempty"`
}

// LoadCase reads a case file written by Store.
func LoadCase(path string) (*Case, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read case file %s", path)
	}
	var c Case
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrapf(err, "Failed to parse case file %s", path)
	}
	return &c, nil
}

// Store writes the case to the given path, atomically.
func (c *Case) Store(path string) error {
	b, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return errors.Wrap(err, "Failed to serialize case")
	}
	return util.WriteFileAtomic(path, b, 0644)
}
