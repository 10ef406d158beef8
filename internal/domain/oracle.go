package domain

import "time"

// OracleFunc identifies which oracle write path an attempt used.
type OracleFunc string

const (
	OracleFuncRaffle    OracleFunc = "raffle_probability"
	OracleFuncSentiment OracleFunc = "market_sentiment"
)

// OracleCallOutcome is the terminal result of a single write attempt.
type OracleCallOutcome string

const (
	OracleCallSuccess OracleCallOutcome = "success"
	OracleCallError   OracleCallOutcome = "error"
)

// OracleCallRecord is one row of the append-only oracle write audit log.
// A record is created per attempt and never mutated after completion.
type OracleCallRecord struct {
	ID            string
	MarketAddress string
	Function      OracleFunc
	ValueBps      int
	Attempt       int
	Outcome       OracleCallOutcome
	Error         string
	TxHash        string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// HybridPrice is the blended price exposed to readers: raffle-implied
// probability and market sentiment weighted into a single bps value.
type HybridPrice struct {
	MarketAddress string    `json:"market_address"`
	HybridBps     int       `json:"hybrid_bps"`
	RaffleBps     int       `json:"raffle_bps"`
	SentimentBps  int       `json:"sentiment_bps"`
	UpdatedAt     time.Time `json:"updated_at"`
}
