// Package catalog serves the read-only list of orderable lab tests and
// prices carts against it. Prices sent by clients are never trusted.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/testwell/testwell/pkg/money"
)

// Catalog indexes a fixed set of tests by id and slug.
type Catalog struct {
	tests  []Test
	byID   map[string]*Test
	bySlug map[string]*Test
}

// New builds a catalog, rejecting duplicate ids or slugs and non-positive
// prices.
func New(tests []Test) (*Catalog, error) {
	c := &Catalog{
		tests:  make([]Test, len(tests)),
		byID:   make(map[string]*Test, len(tests)),
		bySlug: make(map[string]*Test, len(tests)),
	}
	copy(c.tests, tests)
	for i := range c.tests {
		t := &c.tests[i]
		if t.ID == "" || t.Slug == "" || t.Name == "" {
			return nil, fmt.Errorf("catalog entry %d: id, slug and name are required", i)
		}
		if t.Price <= 0 {
			return nil, fmt.Errorf("catalog entry %s: price must be positive", t.ID)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("catalog entry %s: duplicate id", t.ID)
		}
		if _, dup := c.bySlug[t.Slug]; dup {
			return nil, fmt.Errorf("catalog entry %s: duplicate slug %s", t.ID, t.Slug)
		}
		c.byID[t.ID] = t
		c.bySlug[t.Slug] = t
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(DefaultTests)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Lookup(id string) (Test, bool) {
	t, ok := c.byID[id]
	if !ok {
		return Test{}, false
	}
	return *t, true
}

func (c *Catalog) BySlug(slug string) (Test, bool) {
	t, ok := c.bySlug[strings.ToLower(slug)]
	if !ok {
		return Test{}, false
	}
	return *t, true
}

// List returns tests in catalog order, optionally limited to one category.
func (c *Catalog) List(category Category) []Test {
	out := make([]Test, 0, len(c.tests))
	for _, t := range c.tests {
		if category == "" || t.Category == category {
			out = append(out, t)
		}
	}
	return out
}

func (c *Catalog) Categories() []Category {
	seen := make(map[Category]bool)
	var out []Category
	for _, t := range c.tests {
		if !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, t.Category)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

const (
	CodeEmptyCart     = "empty_cart"
	CodeInvalidTestID = "invalid_test_id"
	CodeDuplicateTest = "duplicate_test_id"
)

// ResolveError explains why a list of test ids could not be priced. Index
// is the offending position, or -1 for the list as a whole.
type ResolveError struct {
	Code   string
	Index  int
	TestID string
}

func (e *ResolveError) Error() string {
	switch e.Code {
	case CodeEmptyCart:
		return "cart is empty"
	case CodeDuplicateTest:
		return fmt.Sprintf("test %q appears more than once", e.TestID)
	default:
		return fmt.Sprintf("unknown test id %q", e.TestID)
	}
}

// Field names the request field at fault.
func (e *ResolveError) Field() string {
	if e.Index < 0 {
		return "items"
	}
	return fmt.Sprintf("items[%d].test_id", e.Index)
}

// Resolve maps test ids to catalog entries. The first empty, unknown or
// repeated id fails the whole call.
func (c *Catalog) Resolve(ids []string) ([]Test, error) {
	if len(ids) == 0 {
		return nil, &ResolveError{Code: CodeEmptyCart, Index: -1}
	}
	seen := make(map[string]bool, len(ids))
	out := make([]Test, 0, len(ids))
	for i, raw := range ids {
		id := strings.TrimSpace(raw)
		t, ok := c.Lookup(id)
		if !ok {
			return nil, &ResolveError{Code: CodeInvalidTestID, Index: i, TestID: raw}
		}
		if seen[id] {
			return nil, &ResolveError{Code: CodeDuplicateTest, Index: i, TestID: id}
		}
		seen[id] = true
		out = append(out, t)
	}
	return out, nil
}

// Total sums catalog prices.
func Total(tests []Test) money.Cents {
	prices := make([]money.Cents, len(tests))
	for i, t := range tests {
		prices[i] = t.Price
	}
	return money.Sum(prices...)
}
