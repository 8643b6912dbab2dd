package entity

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Checkpoint is the durable discovery state of one parser instance: the last
// scanned block and every account ever observed entering a market.
type Checkpoint struct {
	LastBlockFetched uint64
	accounts         map[string]struct{}
}

// NewCheckpoint creates a checkpoint from a stored block and account list.
func NewCheckpoint(lastBlockFetched uint64, accounts []string) *Checkpoint {
	cp := &Checkpoint{
		LastBlockFetched: lastBlockFetched,
		accounts:         make(map[string]struct{}, len(accounts)),
	}
	cp.Merge(accounts)
	return cp
}

// Merge adds accounts to the known set. It is idempotent and order independent.
func (c *Checkpoint) Merge(accounts []string) int {
	if c.accounts == nil {
		c.accounts = make(map[string]struct{}, len(accounts))
	}
	added := 0
	for _, a := range accounts {
		if a == "" {
			continue
		}
		if _, ok := c.accounts[a]; !ok {
			c.accounts[a] = struct{}{}
			added++
		}
	}
	return added
}

// Advance moves LastBlockFetched forward. Moving it backward is an error.
func (c *Checkpoint) Advance(block uint64) error {
	if block < c.LastBlockFetched {
		return fmt.Errorf("checkpoint cannot move backward from %d to %d", c.LastBlockFetched, block)
	}
	c.LastBlockFetched = block
	return nil
}

// Accounts returns the known accounts in sorted order.
func (c *Checkpoint) Accounts() []string {
	out := make([]string, 0, len(c.accounts))
	for a := range c.accounts {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of known accounts.
func (c *Checkpoint) Len() int {
	return len(c.accounts)
}

// Clone returns a deep copy so that a scan can stage changes without
// touching the loaded state.
func (c *Checkpoint) Clone() *Checkpoint {
	return NewCheckpoint(c.LastBlockFetched, c.Accounts())
}

type checkpointJSON struct {
	LastBlockFetched uint64   `json:"lastBlockFetched"`
	Accounts         []string `json:"accounts"`
}

// MarshalJSON encodes the checkpoint as {"lastBlockFetched": n, "accounts": [...]}
// with accounts sorted.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(checkpointJSON{
		LastBlockFetched: c.LastBlockFetched,
		Accounts:         c.Accounts(),
	})
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var raw checkpointJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = *NewCheckpoint(raw.LastBlockFetched, raw.Accounts)
	return nil
}
