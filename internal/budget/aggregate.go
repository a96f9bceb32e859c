// Package budget rolls ledger entries up into monthly spending summaries
// and spending trends.
package budget

import (
	"cmp"
	"iter"
	"slices"

	"github.com/shopspring/decimal"

	"finsights/internal/core"
)

type (
	SpendingByCategory struct {
		Category         string  `json:"category"`
		Amount           int64   `json:"amount"`
		TransactionCount int     `json:"transaction_count"`
		Percentage       float64 `json:"percentage"`
		IsHidden         bool    `json:"is_hidden"`
	}

	// MonthlySpending is the rollup of one calendar month. Amounts are
	// positive magnitudes in minor units.
	MonthlySpending struct {
		Month            core.Month           `json:"month"`
		TotalSpending    int64                `json:"total_spending"`
		TotalIncome      int64                `json:"total_income"`
		NetCashflow      int64                `json:"net_cashflow"`
		TransactionCount int                  `json:"transaction_count"`
		Categories       []SpendingByCategory `json:"categories"`
		IncomeCategories []SpendingByCategory `json:"income_categories"`
	}

	TrendPoint struct {
		Month core.Month `json:"month"`
		Total int64      `json:"total"`
	}
)

var hundred = decimal.NewFromInt(100)

// ZeroMonth is the rollup of a month without transactions.
func ZeroMonth(m core.Month) MonthlySpending {
	return MonthlySpending{
		Month:            m,
		Categories:       []SpendingByCategory{},
		IncomeCategories: []SpendingByCategory{},
	}
}

type categoryTotal struct {
	net   int64
	count int
}

// ComputeMonthlySpending aggregates the entries that fall in month.
// Transfers are skipped. The month totals sum every entry by its own sign, so
// a refund in a spending category counts as income. Categories are netted
// for bucketing: a positive net makes an income category, anything else a
// spending category. Hidden categories are kept and flagged, and the visible
// percentages are computed over visible categories only so they still sum
// to 100.
func ComputeMonthlySpending(entries iter.Seq[core.LedgerEntry], hidden map[string]bool, month core.Month) MonthlySpending {
	ms := ZeroMonth(month)
	totals := make(map[string]*categoryTotal)
	txCount := 0
	for e := range entries {
		if e.IsTransfer || !month.Contains(e.OccurredAt) {
			continue
		}
		ct, ok := totals[e.Category]
		if !ok {
			ct = &categoryTotal{}
			totals[e.Category] = ct
		}
		ct.net += e.Amount
		ct.count++
		txCount++
		if e.Amount > 0 {
			ms.TotalIncome += e.Amount
		} else {
			ms.TotalSpending -= e.Amount
		}
	}

	ms.TransactionCount = txCount
	ms.NetCashflow = ms.TotalIncome - ms.TotalSpending
	if txCount == 0 {
		return ms
	}

	for name, ct := range totals {
		row := SpendingByCategory{
			Category:         name,
			TransactionCount: ct.count,
			IsHidden:         hidden[name],
		}
		if ct.net > 0 {
			row.Amount = ct.net
			ms.IncomeCategories = append(ms.IncomeCategories, row)
		} else {
			row.Amount = -ct.net
			ms.Categories = append(ms.Categories, row)
		}
	}

	assignPercentages(ms.Categories)
	assignPercentages(ms.IncomeCategories)
	sortCategories(ms.Categories)
	sortCategories(ms.IncomeCategories)
	return ms
}

// assignPercentages sets visible rows against the sum of visible rows and
// hidden rows against the sum of all rows in the same bucket.
func assignPercentages(rows []SpendingByCategory) {
	var visibleTotal, fullTotal int64
	for _, r := range rows {
		fullTotal += r.Amount
		if !r.IsHidden {
			visibleTotal += r.Amount
		}
	}
	for i := range rows {
		base := visibleTotal
		if rows[i].IsHidden {
			base = fullTotal
		}
		rows[i].Percentage = percentOf(rows[i].Amount, base)
	}
}

func percentOf(amount, base int64) float64 {
	if base <= 0 || amount <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(hundred).Div(decimal.NewFromInt(base)).Round(2).InexactFloat64()
}

func sortCategories(rows []SpendingByCategory) {
	slices.SortFunc(rows, func(a, b SpendingByCategory) int {
		if c := cmp.Compare(b.Amount, a.Amount); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})
}

// ComputeTrend returns one point per month with at least one counted
// transaction, ascending by month. Months without data are omitted, not
// zero-filled. When a month appears twice the later rollup wins.
func ComputeTrend(months []MonthlySpending) []TrendPoint {
	byMonth := make(map[core.Month]int64, len(months))
	for _, m := range months {
		if m.TransactionCount == 0 {
			continue
		}
		byMonth[m.Month] = m.TotalSpending
	}

	points := make([]TrendPoint, 0, len(byMonth))
	for m, total := range byMonth {
		points = append(points, TrendPoint{Month: m, Total: total})
	}
	slices.SortFunc(points, func(a, b TrendPoint) int {
		switch {
		case a.Month.Before(b.Month):
			return -1
		case b.Month.Before(a.Month):
			return 1
		}
		return 0
	})
	return points
}

// ComputeMonths rolls up every month in [from, to] from a single pass over
// entries.
func ComputeMonths(entries iter.Seq[core.LedgerEntry], hidden map[string]bool, from, to core.Month) []MonthlySpending {
	buckets := make(map[core.Month][]core.LedgerEntry)
	for e := range entries {
		m := e.OccurredAt.MonthOf()
		if m.Before(from) || to.Before(m) {
			continue
		}
		buckets[m] = append(buckets[m], e)
	}

	var out []MonthlySpending
	for m := from; !to.Before(m); m = m.AddMonths(1) {
		out = append(out, ComputeMonthlySpending(slices.Values(buckets[m]), hidden, m))
	}
	return out
}
