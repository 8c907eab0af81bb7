package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"signal-kitchen/internal/domain"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type recordTools struct {
	consumers ConsumerResolver
	records   VisibleRecordReader
	now       func() time.Time
}

func (t recordTools) visible(ctx context.Context, q recordQuery, recordType func(string) domain.RecordType) (recordsVisibleOutput, error) {
	if t.consumers == nil || t.records == nil {
		return recordsVisibleOutput{}, fmt.Errorf("record store unavailable")
	}
	consumer, err := t.consumers.Resolve(ctx, q.consumerID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownConsumer) {
			return recordsVisibleOutput{}, fmt.Errorf("unknown consumer: %s", q.consumerID)
		}
		return recordsVisibleOutput{}, err
	}
	records, err := t.records.VisibleRecords(ctx, consumer, recordType(q.asset), q.timeframe, t.now(), q.limit)
	if err != nil {
		return recordsVisibleOutput{}, err
	}
	if records == nil {
		records = []domain.SignalRecord{}
	}
	return recordsVisibleOutput{
		ConsumerID: consumer.ID,
		Tier:       consumer.Tier,
		Asset:      q.asset,
		Timeframe:  q.timeframe,
		Records:    records,
	}, nil
}

// callerID is the consumer bound to the HTTP bearer token. Stdio sessions
// carry no token and return "".
func callerID(extra *mcp.RequestExtra) string {
	if extra == nil || extra.TokenInfo == nil {
		return ""
	}
	return extra.TokenInfo.UserID
}

// bindCaller pins an authenticated query to the token's consumer. A
// consumer_id naming anyone else is rejected.
func bindCaller(in *recordsVisibleInput, caller string) error {
	if caller == "" {
		return nil
	}
	if id := strings.TrimSpace(in.ConsumerID); id != "" && id != caller {
		return fmt.Errorf("consumer_id %s does not match the bearer token", id)
	}
	in.ConsumerID = caller
	return nil
}

func registerTools(server *mcp.Server, rt recordTools, candles CandleReader) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "signals_visible",
		Description: "Get the newest signal records a consumer may see for an asset and timeframe",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in recordsVisibleInput) (*mcp.CallToolResult, recordsVisibleOutput, error) {
		if err := bindCaller(&in, callerID(req.Extra)); err != nil {
			return nil, recordsVisibleOutput{}, err
		}
		q, err := normalizeRecordQuery(in)
		if err != nil {
			return nil, recordsVisibleOutput{}, err
		}
		out, err := rt.visible(ctx, q, domain.SignalRecordType)
		if err != nil {
			return nil, recordsVisibleOutput{}, err
		}
		return nil, out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "rebalances_visible",
		Description: "Get the newest position-manager rebalance results a consumer may see",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in recordsVisibleInput) (*mcp.CallToolResult, recordsVisibleOutput, error) {
		if err := bindCaller(&in, callerID(req.Extra)); err != nil {
			return nil, recordsVisibleOutput{}, err
		}
		q, err := normalizeRecordQuery(in)
		if err != nil {
			return nil, recordsVisibleOutput{}, err
		}
		out, err := rt.visible(ctx, q, domain.RebalanceRecordType)
		if err != nil {
			return nil, recordsVisibleOutput{}, err
		}
		return nil, out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "candles_list",
		Description: "Get archived OHLCV candles by asset, timeframe, and limit",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in candlesListInput) (*mcp.CallToolResult, candlesListOutput, error) {
		if candles == nil {
			return nil, candlesListOutput{}, fmt.Errorf("candle archive unavailable")
		}
		asset, err := normalizeAsset(in.Asset)
		if err != nil {
			return nil, candlesListOutput{}, err
		}
		tf, err := normalizeTimeframe(in.Timeframe)
		if err != nil {
			return nil, candlesListOutput{}, err
		}
		points, err := candles.ListPricePoints(ctx, asset, tf, normalizeCandleLimit(in.Limit))
		if err != nil {
			return nil, candlesListOutput{}, err
		}
		if points == nil {
			points = []domain.PricePoint{}
		}
		return nil, candlesListOutput{Asset: asset, Timeframe: tf, Candles: points}, nil
	})
}
