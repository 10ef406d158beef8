package domain

// Ledger events the engine ingests. Fields are already decoded from log
// topics/data; addresses are checksummed hex strings.

// PositionChangedEvent is emitted by the raffle contract on every ticket buy
// or sell. It carries the mover's new count and the season's new total, so
// the engine never has to read back state that may have moved again.
type PositionChangedEvent struct {
	SeasonID        uint64
	Participant     string
	NewTicketCount  uint64
	NewTotalTickets uint64
	BlockNumber     uint64
	LogIndex        uint
	TxHash          string
}

// Seq returns the per-season ordering key for this event.
func (e PositionChangedEvent) Seq() uint64 {
	return EventSeq(e.BlockNumber, e.LogIndex)
}

// TradeExecutedEvent is emitted by a created market contract on every trade.
// SentimentBps is the market's own post-trade sentiment reading; the engine
// validates it and feeds it into the hybrid oracle write path.
type TradeExecutedEvent struct {
	MarketAddress string
	Trader        string
	IsBuy         bool
	Amount        uint64
	SentimentBps  int
	BlockNumber   uint64
	LogIndex      uint
	TxHash        string
}

// MarketCreatedEvent is the on-chain confirmation that a market contract went
// live. The engine reconciles its MarketRecord against it.
type MarketCreatedEvent struct {
	SeasonID      uint64
	Participant   string
	MarketAddress string
	ConditionID   string
	BlockNumber   uint64
	LogIndex      uint
	TxHash        string
}
