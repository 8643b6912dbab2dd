package entity

// BadDebtUser is one entry of the published bad-debt list. BadDebt is a
// scaled integer string (see Report.Decimals).
type BadDebtUser struct {
	User    string `json:"user"`
	BadDebt string `json:"badDebt"`
}

// Report is the immutable result of one valuation cycle. Every monetary
// field is the reference-currency amount multiplied by 10^Decimals and
// rendered as an integer string.
type Report struct {
	Total    string        `json:"total"`
	Updated  uint64        `json:"updated"`
	Decimals int           `json:"decimals"`
	Users    []BadDebtUser `json:"users"`
	TVL      string        `json:"tvl"`
	Deposits string        `json:"deposits"`
	Borrows  string        `json:"borrows"`

	// Block is the block the report was computed at. It is not published.
	Block uint64 `json:"-"`
}
