package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamchannel/sequencer/internal/domain"
	"github.com/streamchannel/sequencer/internal/voucher"
)

type stubEngine struct {
	seedFn     func(context.Context, voucher.SeedRequest) (domain.ChannelView, error)
	validateFn func(context.Context, voucher.PayInChannelRequest) (domain.ChannelView, error)
	settleFn   func(context.Context, voucher.PayInChannelRequest) (domain.ChannelView, error)
	finalizeFn func(context.Context, voucher.FinalizeRequest) (string, error)
}

func (s *stubEngine) Seed(ctx context.Context, req voucher.SeedRequest) (domain.ChannelView, error) {
	return s.seedFn(ctx, req)
}
func (s *stubEngine) Validate(ctx context.Context, req voucher.PayInChannelRequest) (domain.ChannelView, error) {
	return s.validateFn(ctx, req)
}
func (s *stubEngine) Settle(ctx context.Context, req voucher.PayInChannelRequest) (domain.ChannelView, error) {
	return s.settleFn(ctx, req)
}
func (s *stubEngine) Finalize(ctx context.Context, req voucher.FinalizeRequest) (string, error) {
	return s.finalizeFn(ctx, req)
}

type stubIndex struct {
	view  domain.ChannelState
	found bool
}

func (s *stubIndex) Get(id string) (domain.ChannelState, bool) { return s.view, s.found }

type stubChainReader struct {
	ids []string
	err error
}

func (s *stubChainReader) UserChannelIDs(ctx context.Context, owner domain.Address) ([]string, error) {
	return s.ids, s.err
}

func TestSeedHandlerReturnsChannelView(t *testing.T) {
	engine := &stubEngine{
		seedFn: func(ctx context.Context, req voucher.SeedRequest) (domain.ChannelView, error) {
			assert.Equal(t, "0x01", req.ChannelID)
			return domain.ChannelView{ChannelID: req.ChannelID, Balance: req.Balance}, nil
		},
	}
	h := NewChannelHandler(engine, &stubIndex{}, &stubChainReader{})

	body := bytes.NewBufferString(`{"channelId":"0x01","owner":"0xaa","balance":"1000","expiryTimestamp":2000000000}`)
	req := httptest.NewRequest(http.MethodPost, "/channel/seed", body)
	rec := httptest.NewRecorder()

	h.Seed(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view domain.ChannelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "0x01", view.ChannelID)
	assert.Equal(t, "1000", view.Balance)
}

func TestGetHandlerReturns404ForUnknownChannel(t *testing.T) {
	h := NewChannelHandler(&stubEngine{}, &stubIndex{found: false}, &stubChainReader{})

	req := httptest.NewRequest(http.MethodGet, "/channel/0xmissing", nil)
	req.SetPathValue("id", "0xmissing")
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestByOwnerQueriesChainNotIndex(t *testing.T) {
	owner, err := domain.ParseAddress("0x0000000000000000000000000000000000000abc")
	require.NoError(t, err)

	chainReader := &stubChainReader{ids: []string{"0x01", "0x02"}}
	h := NewChannelHandler(&stubEngine{}, &stubIndex{}, chainReader)

	req := httptest.NewRequest(http.MethodGet, "/channels/by-owner/"+owner.String(), nil)
	req.SetPathValue("owner", owner.String())
	rec := httptest.NewRecorder()

	h.ByOwner(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Owner      string   `json:"owner"`
		ChannelIDs []string `json:"channelIds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, owner.String(), out.Owner)
	assert.Equal(t, []string{"0x01", "0x02"}, out.ChannelIDs)
}

func TestSettleHandlerMapsBalanceOverflowTo400(t *testing.T) {
	engine := &stubEngine{
		settleFn: func(ctx context.Context, req voucher.PayInChannelRequest) (domain.ChannelView, error) {
			return domain.ChannelView{}, domain.ErrBalanceOverflow
		},
	}
	h := NewChannelHandler(engine, &stubIndex{}, &stubChainReader{})

	body := bytes.NewBufferString(`{"channelId":"0x01","amount":"700","receiver":"0xbb","sequenceNumber":4,"timestamp":1,"userSignature":"0x00"}`)
	req := httptest.NewRequest(http.MethodPost, "/settle", body)
	rec := httptest.NewRecorder()

	h.Settle(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettleHandlerMapsChannelNotFoundTo404(t *testing.T) {
	engine := &stubEngine{
		settleFn: func(ctx context.Context, req voucher.PayInChannelRequest) (domain.ChannelView, error) {
			return domain.ChannelView{}, domain.ErrChannelNotFound
		},
	}
	h := NewChannelHandler(engine, &stubIndex{}, &stubChainReader{})

	body := bytes.NewBufferString(`{"channelId":"0xdead"}`)
	req := httptest.NewRequest(http.MethodPost, "/settle", body)
	rec := httptest.NewRecorder()

	h.Settle(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFinalizeHandlerReturnsTransactionHash(t *testing.T) {
	engine := &stubEngine{
		finalizeFn: func(ctx context.Context, req voucher.FinalizeRequest) (string, error) {
			assert.Equal(t, "0x01", req.ChannelID)
			return "0xtxhash", nil
		},
	}
	h := NewChannelHandler(engine, &stubIndex{}, &stubChainReader{})

	body := bytes.NewBufferString(`{"channelId":"0x01"}`)
	req := httptest.NewRequest(http.MethodPost, "/channel/finalize", body)
	rec := httptest.NewRecorder()

	h.Finalize(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		TransactionHash string `json:"transactionHash"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "0xtxhash", out.TransactionHash)
}
