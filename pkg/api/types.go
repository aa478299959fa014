package api

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// OrdersResponse is an insertion-ordered snapshot of one side of the book
type OrdersResponse struct {
	Type    string `json:"type"` // "collection" or "payout"
	Chain   string `json:"chain"`
	Version uint64 `json:"version"` // book version the snapshot was taken at
	Total   int    `json:"total"`   // orders in the book before filtering
	Orders  any    `json:"orders"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest represents a WebSocket subscription request
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["book:collection", "book:payout"]
}

// BookUpdate is sent after every change to the order book
type BookUpdate struct {
	Type      string `json:"type"` // "book"
	Kind      string `json:"kind"` // "collection" or "payout"
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}
