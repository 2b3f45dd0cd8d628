package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/streamchannel/sequencer/internal/domain"
)

// record is the JSON document archived for one finalized channel.
type record struct {
	ChannelID  string            `json:"channelId"`
	TxHash     string            `json:"txHash"`
	FinalizedAt string           `json:"finalizedAt"`
	Channel    domain.ChannelView `json:"channel"`
}

// Archiver implements domain.Archiver by uploading the finalized channel's
// last voucher as one JSON object per channel and sequence number, so
// finalize calls made at different sequence numbers keep separate archive
// entries; a repeated finalize at the same sequence number overwrites the
// earlier object.
type Archiver struct {
	client *Client
}

// NewArchiver creates an Archiver backed by client.
func NewArchiver(client *Client) *Archiver {
	return &Archiver{client: client}
}

// ArchiveFinalizedChannel uploads view and txHash to
// channels/{channelId}/{sequenceNumber}.json.
func (a *Archiver) ArchiveFinalizedChannel(ctx context.Context, channelID string, view domain.ChannelView, txHash string) error {
	rec := record{
		ChannelID:   channelID,
		TxHash:      txHash,
		FinalizedAt: time.Now().UTC().Format(time.RFC3339),
		Channel:     view,
	}

	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("s3archive: marshal finalized channel %s: %w", channelID, err)
	}

	key := fmt.Sprintf("channels/%s/%d.json", channelID, view.SequenceNumber)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.client.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String("application/json"),
	}
	if _, err := a.client.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3archive: put object %s: %w", key, err)
	}
	return nil
}

var _ domain.Archiver = (*Archiver)(nil)
