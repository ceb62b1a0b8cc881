package api

// REST request/response shapes. Amounts travel as JSON numbers (int64);
// addresses and signatures as 0x-prefixed hex strings.

type PlaceOrderRequest struct {
	Token     string `json:"token"`
	Quantity  int64  `json:"quantity"`
	Payment   int64  `json:"payment"`
	Nonce     uint64 `json:"nonce"`
	Buyer     string `json:"buyer"`
	Signature string `json:"signature"`
}

type PlaceOrderResponse struct {
	Status    string `json:"status"`
	Index     uint64 `json:"index"`
	PriceEach int64  `json:"priceEach"`
}

type CancelOrderRequest struct {
	Index     uint64 `json:"index"`
	Nonce     uint64 `json:"nonce"`
	Buyer     string `json:"buyer"`
	Signature string `json:"signature"`
}

type FillOrderRequest struct {
	Buyer     string `json:"buyer"`
	Index     uint64 `json:"index"`
	Token     string `json:"token"`
	Quantity  int64  `json:"quantity"`
	FullFill  bool   `json:"fullFill"`
	Nonce     uint64 `json:"nonce"`
	Filler    string `json:"filler"`
	Signature string `json:"signature"`
}

type FillOrderResponse struct {
	Status     string `json:"status"`
	Quantity   int64  `json:"quantity"`
	TotalDue   int64  `json:"totalDue"`
	FeeAmount  int64  `json:"feeAmount"`
	FillerPaid int64  `json:"fillerPaid"`
	FullFill   bool   `json:"fullFill"`
}

// ConfigRequest updates gate configuration. Zero addresses leave the filler
// and fee recipient unchanged; FeeBips < 0 leaves the fee unchanged while
// FeeBips == 0 sets a zero fee.
type ConfigRequest struct {
	Filler       string `json:"filler,omitempty"`
	FeeRecipient string `json:"feeRecipient,omitempty"`
	FeeBips      int64  `json:"feeBips"`
	Nonce        uint64 `json:"nonce"`
	Coordinator  string `json:"coordinator"`
	Signature    string `json:"signature"`
}

type OrderInfo struct {
	Buyer     string `json:"buyer"`
	Index     uint64 `json:"index"`
	Token     string `json:"token"`
	Quantity  int64  `json:"quantity"`
	PriceEach int64  `json:"priceEach"`
	Escrow    int64  `json:"escrow"`
	Live      bool   `json:"live"`
	CreatedAt int64  `json:"createdAt"`
}

type LedgerStatus struct {
	CustodiedBalance int64  `json:"custodiedBalance"`
	LiveOrders       int    `json:"liveOrders"`
	FeeBips          int64  `json:"feeBips"`
	FeeRecipient     string `json:"feeRecipient"`
	AuthorizedFiller string `json:"authorizedFiller"`
	Coordinator      string `json:"coordinator"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client -> hub subscription envelope.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
