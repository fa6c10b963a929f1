package paper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trade-control-plane/internal/oms"
)

func px(v float64) *float64 { return &v }

func TestPaperBuyThenSell(t *testing.T) {
	b := New("paper", Config{StartingCash: 10_000})
	ctx := context.Background()

	res, err := b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "AAPL", Side: "buy", Qty: 10, Type: oms.TypeMarket, PriceHint: px(150)})
	require.NoError(t, err)
	require.Equal(t, "filled", res.Status)
	require.InDelta(t, 10, res.FilledQty, 1e-9)
	require.NotNil(t, res.FillPrice)
	require.InDelta(t, 150, *res.FillPrice, 1e-9)

	_, err = b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "AAPL", Side: "sell", Qty: 5, Type: oms.TypeMarket, PriceHint: px(155)})
	require.NoError(t, err)

	acct, err := b.Account(ctx)
	require.NoError(t, err)
	require.InDelta(t, 9275, acct["cash"].(float64), 1e-9)
	require.InDelta(t, 10050, acct["equity"].(float64), 1e-9)
	require.Equal(t, 1, acct["positions"])

	view := b.PositionsView(ctx)
	require.Len(t, view, 1)
	require.Equal(t, "AAPL", view[0].Symbol)
	require.InDelta(t, 5, view[0].Qty, 1e-9)
	require.InDelta(t, 150, view[0].AvgPrice, 1e-9)
	require.InDelta(t, 25, view[0].UnrealizedPL, 1e-9)
	require.Equal(t, "long", view[0].Side)
}

func TestPaperAveragePriceOnAdd(t *testing.T) {
	b := New("paper", Config{StartingCash: 10_000})
	ctx := context.Background()
	_, err := b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "X", Side: "buy", Qty: 1, PriceHint: px(100)})
	require.NoError(t, err)
	_, err = b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "X", Side: "buy", Qty: 3, PriceHint: px(200)})
	require.NoError(t, err)
	view := b.PositionsView(ctx)
	require.InDelta(t, 175, view[0].AvgPrice, 1e-9)
}

func TestPaperRejectsInsufficientCash(t *testing.T) {
	b := New("paper", Config{StartingCash: 100})
	res, err := b.SubmitOrder(context.Background(), oms.BrokerOrder{Symbol: "X", Side: "buy", Qty: 2, PriceHint: px(60)})
	require.NoError(t, err)
	require.Equal(t, "rejected", res.Status)
	require.Nil(t, res.FillPrice)
	require.Empty(t, b.PositionsView(context.Background()))
}

func TestPaperSlippageAndFees(t *testing.T) {
	b := New("paper", Config{StartingCash: 1_000, FeeBps: 10, SlippageBps: 10})
	ctx := context.Background()
	buy, err := b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "X", Side: "buy", Qty: 1, PriceHint: px(100)})
	require.NoError(t, err)
	require.InDelta(t, 100.1, *buy.FillPrice, 1e-9)
	sell, err := b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "X", Side: "sell", Qty: 1, PriceHint: px(100)})
	require.NoError(t, err)
	require.InDelta(t, 99.9, *sell.FillPrice, 1e-9)

	acct, err := b.Account(ctx)
	require.NoError(t, err)
	// 1000 - 100.1 - 0.1001 + 99.9 - 0.0999
	require.InDelta(t, 999.6, acct["cash"].(float64), 1e-9)
}

func TestPaperValidation(t *testing.T) {
	b := New("paper", Config{StartingCash: 1_000})
	ctx := context.Background()
	_, err := b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "X", Side: "buy", Qty: 0, PriceHint: px(1)})
	require.ErrorIs(t, err, ErrInvalidQty)
	_, err = b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "X", Side: "buy", Qty: 1, Type: oms.TypeLimit})
	require.ErrorIs(t, err, ErrMissingLimit)
	_, err = b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "X", Side: "buy", Qty: 1})
	require.ErrorIs(t, err, ErrMissingPrice)
	_, err = b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "X", Side: "hold", Qty: 1, PriceHint: px(1)})
	require.ErrorIs(t, err, ErrUnsupportedSide)

	res, err := b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "X", Side: "buy", Qty: 1, Type: oms.TypeLimit, LimitPrice: px(50), PriceHint: px(99)})
	require.NoError(t, err)
	require.InDelta(t, 50, *res.FillPrice, 1e-9)
}

func TestPaperClientOrderDedup(t *testing.T) {
	b := New("paper", Config{StartingCash: 10_000})
	ctx := context.Background()
	order := oms.BrokerOrder{ClientOrderID: "OMS-1", Symbol: "X", Side: "buy", Qty: 1, PriceHint: px(100)}
	first, err := b.SubmitOrder(ctx, order)
	require.NoError(t, err)
	second, err := b.SubmitOrder(ctx, order)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	view := b.PositionsView(ctx)
	require.InDelta(t, 1, view[0].Qty, 1e-9)
}

func TestPaperCancelFilledFails(t *testing.T) {
	b := New("paper", Config{StartingCash: 10_000})
	res, err := b.SubmitOrder(context.Background(), oms.BrokerOrder{Symbol: "X", Side: "buy", Qty: 1, PriceHint: px(1)})
	require.NoError(t, err)
	require.False(t, b.CancelOrder(context.Background(), res.ID))
	require.False(t, b.CancelOrder(context.Background(), "missing"))
}

func TestPaperClosePosition(t *testing.T) {
	b := New("paper", Config{StartingCash: 10_000})
	ctx := context.Background()
	require.False(t, b.ClosePosition(ctx, "X", 10))
	_, err := b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: "X", Side: "buy", Qty: 2, PriceHint: px(10)})
	require.NoError(t, err)
	require.True(t, b.ClosePosition(ctx, "X", 12))
	view := b.PositionsView(ctx)
	require.Len(t, view, 1)
	require.InDelta(t, 0, view[0].Qty, 1e-9)
	acct, err := b.Account(ctx)
	require.NoError(t, err)
	require.InDelta(t, 10_004, acct["cash"].(float64), 1e-9)
}

func TestPaperPingToggle(t *testing.T) {
	b := New("paper", Config{})
	require.True(t, b.Ping(context.Background()))
	b.SetHealthy(false)
	require.False(t, b.Ping(context.Background()))
}

func TestOMSWithPaperBrokerIdempotentCorrelation(t *testing.T) {
	b := New("paper", Config{StartingCash: 10_000})
	o := oms.New(zap.NewNop(), nil)
	o.RegisterBroker("paper", b)
	req := oms.OrderRequest{Broker: "paper", Symbol: "X", Side: "buy", Qty: 1, PriceHint: px(100), CorrelationID: "c-1"}
	first, err := o.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := o.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, oms.StatusFilled, first.Status)

	positions, err := o.Positions(context.Background(), "paper")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.InDelta(t, 1, positions[0].Qty, 1e-9)
	acct, err := o.Account(context.Background(), "paper")
	require.NoError(t, err)
	require.InDelta(t, 9_900, acct["cash"].(float64), 1e-9)
}
