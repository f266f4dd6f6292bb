package common

import "time"

// RubTicker is the mandatory cash instrument every balance is priced in.
const RubTicker = "RUB"

// Role distinguishes ordinary users from administrators.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Visibility marks soft-deleted users/instruments without losing history.
type Visibility string

const (
	VisibilityActive  Visibility = "ACTIVE"
	VisibilityDeleted Visibility = "DELETED"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType distinguishes resting limit orders from immediate market orders.
type OrderType string

const (
	LimitOrder  OrderType = "LIMIT"
	MarketOrder OrderType = "MARKET"
)

// OrderStatus tracks an order through its lifecycle. NEW and
// PARTIALLY_EXECUTED are the only states a book entry may be in;
// EXECUTED and CANCELLED are terminal.
type OrderStatus string

const (
	StatusNew                OrderStatus = "NEW"
	StatusPartiallyExecuted  OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted           OrderStatus = "EXECUTED"
	StatusCancelled          OrderStatus = "CANCELLED"
)

// User is an opaque identity as far as the matching core is concerned.
type User struct {
	ID         string     `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	APIKey     string     `db:"api_key" json:"api_key,omitempty"`
	Role       Role       `db:"role" json:"role"`
	Visibility Visibility `db:"visibility" json:"-"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Instrument is a tradable ticker. RUB is the mandatory cash instrument
// and never has an order book of its own.
type Instrument struct {
	Ticker     string     `db:"ticker" json:"ticker"`
	Name       string     `db:"name" json:"name"`
	Visibility Visibility `db:"visibility" json:"-"`
}

// Balance is the composite (user, ticker) row. Available is free to
// spend; Blocked is reserved by open orders or in-flight settlement.
// The user-visible total is Available+Blocked.
type Balance struct {
	UserID    string `db:"user_id" json:"-"`
	Ticker    string `db:"ticker" json:"-"`
	Available int64  `db:"available" json:"available"`
	Blocked   int64  `db:"blocked" json:"blocked"`
}

// Total returns the user-visible balance.
func (b Balance) Total() int64 {
	return b.Available + b.Blocked
}

// Order is the durable order record owned by the Ledger. Price is only
// meaningful for LIMIT orders; MARKET orders carry Price == 0 and are
// never persisted while open (they reach a terminal state in the same
// transaction that creates them).
type Order struct {
	ID        string      `db:"id" json:"id"`
	UserID    string      `db:"user_id" json:"user_id"`
	Ticker    string      `db:"ticker" json:"ticker"`
	Side      Side        `db:"side" json:"direction"`
	Type      OrderType   `db:"type" json:"type"`
	Price     int64       `db:"price" json:"price,omitempty"`
	Qty       int64       `db:"qty" json:"qty"`
	Filled    int64       `db:"filled" json:"filled"`
	Status    OrderStatus `db:"status" json:"status"`
	Timestamp time.Time   `db:"created_at" json:"timestamp"`
}

// Remaining is the unfilled quantity of the order.
func (o Order) Remaining() int64 {
	return o.Qty - o.Filled
}

// IsOpen reports whether the order may still rest on a book.
func (o Order) IsOpen() bool {
	return o.Status == StatusNew || o.Status == StatusPartiallyExecuted
}

// Trade is an append-only record of one match between a buyer and a
// seller. The cash leg (price*amount) is implicit and not separately
// recorded.
type Trade struct {
	ID        string    `db:"id" json:"id"`
	BuyerID   string    `db:"buyer_id" json:"buyer_id"`
	SellerID  string    `db:"seller_id" json:"seller_id"`
	Ticker    string    `db:"ticker" json:"ticker"`
	Amount    int64     `db:"amount" json:"amount"`
	Price     int64     `db:"price" json:"price"`
	Timestamp time.Time `db:"created_at" json:"timestamp"`
}

// InternalOrder is the book's in-memory projection of a live LIMIT
// order. Its authoritative state lives in the Ledger; any divergence
// between the two the executor observes is a consistency bug, not a
// recoverable condition.
type InternalOrder struct {
	ID        string
	UserID    string
	Ticker    string
	Side      Side
	Price     int64
	Qty       int64
	Filled    int64
	Status    OrderStatus
	Timestamp time.Time
}

// Remaining is the unfilled quantity of the resting order.
func (o *InternalOrder) Remaining() int64 {
	return o.Qty - o.Filled
}

// TradeExecution is one proposed fill produced by the book, awaiting
// settlement by the Trade Executor. Change is the price-improvement
// refund owed to the buyer when the bid crossed at a better (higher)
// price than the resting ask it matched against.
type TradeExecution struct {
	Bid    *InternalOrder
	Ask    *InternalOrder
	Ticker string
	Qty    int64
	Price  int64
	Change int64
}
