// Package brands loads the brand directory: the businesses allowed to place
// branded calls, their API keys and the identity attached to their calls.
package brands

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brandcall/voicecore/internal/util"
	"github.com/brandcall/voicecore/internal/voice"
)

// MinAPIKeyLength is the shortest API key accepted in the directory file.
const MinAPIKeyLength = 24

// ErrUnknownBrand is returned by Get for ids that are not in the directory.
var ErrUnknownBrand = errors.New("brands: unknown brand")

// Entry is one brand in the directory file.
type Entry struct {
	voice.Brand `yaml:",inline"`
	APIKey      string `yaml:"api_key"`
	// Driver overrides the default voice driver for this brand.
	Driver string `yaml:"driver"`
}

type file struct {
	Brands []Entry `yaml:"brands"`
}

// Directory is an immutable set of brands.
type Directory struct {
	byID  map[string]Entry
	keys  []keyEntry
	order []string
}

type keyEntry struct {
	digest [sha256.Size]byte
	id     string
}

// Load reads and parses a brand directory file.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("brands: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates a directory document.
func Parse(data []byte) (*Directory, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("brands: parsing directory: %w", err)
	}

	d := &Directory{byID: make(map[string]Entry, len(f.Brands))}
	seenKeys := map[[sha256.Size]byte]string{}
	for i, e := range f.Brands {
		entry, err := normalize(e)
		if err != nil {
			return nil, fmt.Errorf("brands: entry %d: %w", i, err)
		}
		if _, dup := d.byID[entry.ID]; dup {
			return nil, fmt.Errorf("brands: duplicate brand id %q", entry.ID)
		}
		digest := sha256.Sum256([]byte(entry.APIKey))
		if other, dup := seenKeys[digest]; dup {
			return nil, fmt.Errorf("brands: brand %q reuses the api key of %q", entry.ID, other)
		}
		seenKeys[digest] = entry.ID

		d.byID[entry.ID] = entry
		d.keys = append(d.keys, keyEntry{digest: digest, id: entry.ID})
		d.order = append(d.order, entry.ID)
	}
	sort.Strings(d.order)
	return d, nil
}

func normalize(e Entry) (Entry, error) {
	e.ID = strings.TrimSpace(e.ID)
	e.Name = strings.TrimSpace(e.Name)
	e.APIKey = strings.TrimSpace(e.APIKey)
	e.Driver = strings.ToLower(strings.TrimSpace(e.Driver))
	if e.ID == "" {
		return e, errors.New("id is required")
	}
	if e.Name == "" {
		return e, fmt.Errorf("%s: name is required", e.ID)
	}
	if err := util.EnsureMinRunes(e.ID+": api_key", e.APIKey, MinAPIKeyLength); err != nil {
		return e, err
	}

	numbers, err := util.NormalizeE164List(e.PhoneNumbers, 0, 0)
	if err != nil {
		return e, fmt.Errorf("%s: %w", e.ID, err)
	}
	e.PhoneNumbers = numbers

	if e.ContactEmail != "" {
		if e.ContactEmail, err = util.NormalizeEmail(e.ContactEmail); err != nil {
			return e, fmt.Errorf("%s: %w", e.ID, err)
		}
	}
	for _, u := range []*string{&e.Website, &e.LogoURL} {
		if *u == "" {
			continue
		}
		if *u, err = util.ValidateHTTPURL(*u); err != nil {
			return e, fmt.Errorf("%s: %w", e.ID, err)
		}
	}
	return e, nil
}

// Authenticate resolves the brand owning apiKey. Every key is compared so
// timing does not reveal which brands exist.
func (d *Directory) Authenticate(apiKey string) (Entry, bool) {
	if d == nil || apiKey == "" {
		return Entry{}, false
	}
	digest := sha256.Sum256([]byte(apiKey))
	match := ""
	for _, k := range d.keys {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			match = k.id
		}
	}
	if match == "" {
		return Entry{}, false
	}
	return d.byID[match], true
}

func (d *Directory) Get(id string) (Entry, error) {
	if d != nil {
		if e, ok := d.byID[strings.TrimSpace(id)]; ok {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %q", ErrUnknownBrand, id)
}

// IDs lists brand ids, sorted.
func (d *Directory) IDs() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.order...)
}

// Owns reports whether phoneNumber is one of the brand's numbers. A brand
// without numbers owns none.
func (e Entry) Owns(phoneNumber string) bool {
	for _, n := range e.PhoneNumbers {
		if n == phoneNumber {
			return true
		}
	}
	return false
}
