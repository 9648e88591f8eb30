package store

import (
	"context"
	"fmt"

	"hyperliquid-trader/pkg/types"
)

func tradeRow(t *types.Trade) TradeRow {
	return TradeRow{
		TradeID:    t.ID,
		StrategyID: t.StrategyID,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		Size:       t.Size,
		Price:      t.Price,
		Fee:        t.Fee,
		PnL:        t.PnL,
		OrderType:  string(t.Type),
		Status:     string(t.Status),
		EntryExit:  string(t.EntryExit),
		ExecutedAt: t.Timestamp,
	}
}

func (r TradeRow) trade() types.Trade {
	return types.Trade{
		ID:         r.TradeID,
		StrategyID: r.StrategyID,
		Symbol:     r.Symbol,
		Side:       types.Side(r.Side),
		Size:       r.Size,
		Price:      r.Price,
		Fee:        r.Fee,
		PnL:        r.PnL,
		Type:       types.OrderType(r.OrderType),
		Status:     types.TradeStatus(r.Status),
		EntryExit:  types.EntryExit(r.EntryExit),
		Timestamp:  r.ExecutedAt,
	}
}

// SaveTrade records one executed order.
func (s *Store) SaveTrade(ctx context.Context, t *types.Trade) error {
	row := tradeRow(t)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

// RecentTrades returns the newest trades across all symbols, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]types.Trade, error) {
	return s.queryTrades(ctx, limit, "")
}

// RecentTradesBySymbol returns the newest trades for one symbol, newest
// first. The recovery monitor reads these to spot stuck fills.
func (s *Store) RecentTradesBySymbol(ctx context.Context, symbol string, limit int) ([]types.Trade, error) {
	return s.queryTrades(ctx, limit, symbol)
}

func (s *Store) queryTrades(ctx context.Context, limit int, symbol string) ([]types.Trade, error) {
	q := s.db.WithContext(ctx).Order("executed_at DESC")
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []TradeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	out := make([]types.Trade, len(rows))
	for i, r := range rows {
		out[i] = r.trade()
	}
	return out, nil
}

// RealizedPnL sums the booked result of every closing trade.
func (s *Store) RealizedPnL(ctx context.Context) (float64, error) {
	var result struct {
		Total float64
	}
	err := s.db.WithContext(ctx).
		Model(&TradeRow{}).
		Select("COALESCE(SUM(pnl), 0) AS total").
		Where("entry_exit = ?", string(types.Exit)).
		Scan(&result).Error
	if err != nil {
		return 0, fmt.Errorf("sum realized pnl: %w", err)
	}
	return result.Total, nil
}

// TradeCount reports how many trades are on record.
func (s *Store) TradeCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&TradeRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}
