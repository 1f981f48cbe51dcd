package adapter

// Level is one price level of an order book.
type Level struct {
	Price    Decimal `json:"price"`
	Quantity Decimal `json:"quantity"`
}

// BookUpdate is a top-of-book or depth change passed through to
// subscribers. The engine does not keep books.
type BookUpdate struct {
	Pair Pair    `json:"pair"`
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}
