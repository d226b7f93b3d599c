package liveserver

// Message is one outbound frame: a type tag the client can filter on plus
// an arbitrary JSON payload.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Frame types carried by the live feed.
const (
	TypePending    = "pending"
	TypeOrderEvent = "order_event"
	TypeFill       = "fill"
	TypeProgress   = "progress"
	TypePosition   = "position"
	TypeTrade      = "trade"
	TypeSession    = "session"
	TypeRiskStatus = "risk_status"
)

// command is the only inbound frame a client may send: topic management.
// Anything unparseable is ignored so stray text cannot kill a connection.
type command struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics"`
}

const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
)

func NewMessage(msgType string, data interface{}) Message {
	return Message{Type: msgType, Data: data}
}

func NewPendingMessage(data interface{}) Message    { return NewMessage(TypePending, data) }
func NewOrderEventMessage(data interface{}) Message { return NewMessage(TypeOrderEvent, data) }
func NewFillMessage(data interface{}) Message       { return NewMessage(TypeFill, data) }
func NewProgressMessage(data interface{}) Message   { return NewMessage(TypeProgress, data) }
func NewPositionMessage(data interface{}) Message   { return NewMessage(TypePosition, data) }
func NewTradeMessage(data interface{}) Message      { return NewMessage(TypeTrade, data) }
func NewSessionMessage(data interface{}) Message    { return NewMessage(TypeSession, data) }
func NewRiskStatusMessage(data interface{}) Message { return NewMessage(TypeRiskStatus, data) }
