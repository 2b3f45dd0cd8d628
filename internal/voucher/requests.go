package voucher

// SeedRequest registers a fresh channel with sequence 0 and no recipients
// (spec §4.4 seed).
type SeedRequest struct {
	ChannelID       string `json:"channelId"`
	Owner           string `json:"owner"`
	Balance         string `json:"balance"`
	ExpiryTimestamp uint64 `json:"expiryTimestamp"`
}

// FeeForPayment optionally routes part of a voucher's amount to a second
// recipient in the same settle call.
type FeeForPayment struct {
	FeeDestinationAddress string `json:"feeDestinationAddress"`
	FeeAmount             string `json:"feeAmount"`
}

// PayInChannelRequest is a voucher: the payload shared by validate and
// settle (spec §4.4, §6).
type PayInChannelRequest struct {
	ChannelID      string         `json:"channelId"`
	Amount         string         `json:"amount"`
	Receiver       string         `json:"receiver"`
	SequenceNumber uint64         `json:"sequenceNumber"`
	Timestamp      uint64         `json:"timestamp"`
	UserSignature  string         `json:"userSignature"`
	Purpose        string         `json:"purpose,omitempty"`
	FeeForPayment  *FeeForPayment `json:"feeForPayment,omitempty"`
}

// FinalizeRequest identifies the channel to close (spec §4.4 finalize).
type FinalizeRequest struct {
	ChannelID string `json:"channelId"`
}
