package domain

import "math/big"

// RecipientBalance is one recipient's cumulative owed amount within a
// channel. Position is the sole source of ordering for EIP-712 array
// hashing and is never re-sorted (spec §3, RecipientBalance).
type RecipientBalance struct {
	Address          Address
	CumulativeAmount *big.Int
	Position         int
}

// Clone returns a deep copy so callers may mutate a candidate recipient
// list (e.g. during settle validation) without aliasing the index's
// authoritative copy (spec §9, Ownership & aliasing).
func (r RecipientBalance) Clone() RecipientBalance {
	return RecipientBalance{
		Address:          r.Address,
		CumulativeAmount: new(big.Int).Set(r.CumulativeAmount),
		Position:         r.Position,
	}
}

// ChannelState is the authoritative in-memory/durable representation of a
// payment channel (spec §3).
type ChannelState struct {
	ChannelID Hash32
	Owner     Address
	Balance   *big.Int
	ExpiryTs  uint64

	SequenceNumber     uint64
	UserSignature      string // 0x-hex, "" means no voucher yet
	SequencerSignature string // 0x-hex, "" means no voucher yet
	SignatureTimestamp uint64 // 0 iff no voucher yet

	Recipients []RecipientBalance
}

// CloneRecipients returns a deep copy of the recipient list, preserving
// position order.
func (c ChannelState) CloneRecipients() []RecipientBalance {
	out := make([]RecipientBalance, len(c.Recipients))
	for i, r := range c.Recipients {
		out[i] = r.Clone()
	}
	return out
}

// RecipientSum returns the sum of all recipients' cumulative amounts.
func RecipientSum(recipients []RecipientBalance) *big.Int {
	sum := new(big.Int)
	for _, r := range recipients {
		sum.Add(sum, r.CumulativeAmount)
	}
	return sum
}

// AddAmount finds recipient by address and adds amount to its cumulative
// balance, or appends a new entry at the end of the list if absent.
// Zero-amount adds are no-ops and never create a new entry (spec §4.4
// step 6). Recipients is mutated and returned for chaining.
func AddAmount(recipients []RecipientBalance, addr Address, amount *big.Int) []RecipientBalance {
	if amount == nil || amount.Sign() == 0 {
		return recipients
	}
	for i := range recipients {
		if recipients[i].Address == addr {
			recipients[i].CumulativeAmount = new(big.Int).Add(recipients[i].CumulativeAmount, amount)
			return recipients
		}
	}
	return append(recipients, RecipientBalance{
		Address:          addr,
		CumulativeAmount: new(big.Int).Set(amount),
		Position:         len(recipients),
	})
}

// ChannelView is the JSON-facing projection of a ChannelState (spec §6).
type ChannelView struct {
	ChannelID          string               `json:"channelId"`
	Owner              string               `json:"owner"`
	Balance            string               `json:"balance"`
	ExpiryTimestamp    uint64               `json:"expiryTimestamp"`
	SequenceNumber     uint64               `json:"sequenceNumber"`
	UserSignature      string               `json:"userSignature"`
	SequencerSignature string               `json:"sequencerSignature"`
	SignatureTimestamp uint64               `json:"signatureTimestamp"`
	Recipients         []RecipientViewEntry `json:"recipients"`
}

// RecipientViewEntry is the JSON-facing projection of a RecipientBalance.
type RecipientViewEntry struct {
	RecipientAddress string `json:"recipientAddress"`
	Balance          string `json:"balance"`
}

// ToView projects a ChannelState into its wire representation.
func (c ChannelState) ToView() ChannelView {
	recipients := make([]RecipientViewEntry, len(c.Recipients))
	for i, r := range c.Recipients {
		recipients[i] = RecipientViewEntry{
			RecipientAddress: r.Address.String(),
			Balance:          r.CumulativeAmount.String(),
		}
	}
	return ChannelView{
		ChannelID:          c.ChannelID.String(),
		Owner:              c.Owner.String(),
		Balance:            c.Balance.String(),
		ExpiryTimestamp:    c.ExpiryTs,
		SequenceNumber:     c.SequenceNumber,
		UserSignature:      c.UserSignature,
		SequencerSignature: c.SequencerSignature,
		SignatureTimestamp: c.SignatureTimestamp,
		Recipients:         recipients,
	}
}
