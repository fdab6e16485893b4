package catalog

import "github.com/testwell/testwell/pkg/money"

// CartItem is what a client holds for one test in its cart.
type CartItem struct {
	TestID string      `json:"test_id"`
	Slug   string      `json:"slug,omitempty"`
	Name   string      `json:"name,omitempty"`
	Price  money.Cents `json:"price,omitempty"`
}

// CartLine is one entry of a cart sent by a client. Only the test id is
// decoded, so a stale or malformed client price cannot fail the request.
type CartLine struct {
	TestID string `json:"test_id"`
}

// CartRequest is the body of the quote and checkout endpoints.
type CartRequest struct {
	Items []CartLine `json:"items"`
}

// CartItems returns the requested lines with only their test ids set.
func (r CartRequest) CartItems() []CartItem {
	items := make([]CartItem, len(r.Items))
	for i, l := range r.Items {
		items[i] = CartItem{TestID: l.TestID}
	}
	return items
}

// Cart is a set of tests keyed by test id, kept in insertion order. The
// total is recomputed on every call.
type Cart struct {
	items []CartItem
}

// Add puts a test in the cart. Adding a test that is already present does
// nothing and reports false.
func (c *Cart) Add(item CartItem) bool {
	if c.Contains(item.TestID) {
		return false
	}
	c.items = append(c.items, item)
	return true
}

func (c *Cart) Contains(testID string) bool {
	for _, it := range c.items {
		if it.TestID == testID {
			return true
		}
	}
	return false
}

func (c *Cart) Items() []CartItem {
	out := make([]CartItem, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Cart) Total() money.Cents {
	prices := make([]money.Cents, len(c.items))
	for i, it := range c.items {
		prices[i] = it.Price
	}
	return money.Sum(prices...)
}

// ItemFor converts a catalog entry to a cart item.
func ItemFor(t Test) CartItem {
	return CartItem{TestID: t.ID, Slug: t.Slug, Name: t.Name, Price: t.Price}
}

// Quote is the authoritative pricing of a cart.
type Quote struct {
	Items    []CartItem  `json:"items"`
	Total    money.Cents `json:"total"`
	Currency string      `json:"currency"`
}

// Quote prices ids from the catalog, ignoring whatever the client believes
// the names and prices to be.
func (c *Catalog) Quote(ids []string, currency string) (*Quote, error) {
	tests, err := c.Resolve(ids)
	if err != nil {
		return nil, err
	}
	var cart Cart
	for _, t := range tests {
		cart.Add(ItemFor(t))
	}
	return &Quote{Items: cart.Items(), Total: cart.Total(), Currency: currency}, nil
}
