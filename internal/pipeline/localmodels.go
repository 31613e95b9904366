package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/warehouse/memwh"
)

// RegisterLocalModels binds Go implementations of the default pipeline's
// models to an in-memory warehouse, so the pipeline runs without BigQuery.
func RegisterLocalModels(w *memwh.Warehouse) {
	w.RegisterModel("stg_transactions", stgTransactions)
	w.RegisterModel("stg_merchants", stgMerchants)
	w.RegisterModel("mart_daily_spend", martDailySpend)
	w.RegisterModel("mart_balances", martBalances)
	w.RegisterModel("mart_merchant_spend", martMerchantSpend)
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func amount(r memwh.Row, col string) float64 {
	f, _ := memwh.Float(r[col])
	return f
}

func stgTransactions(ctx context.Context, in memwh.Inputs, date civil.Date) ([]memwh.Row, error) {
	raw, err := in.Rows("transactions")
	if err != nil {
		return nil, err
	}

	out := make([]memwh.Row, 0, len(raw))
	for _, r := range raw {
		row := memwh.Row{
			"transaction_id": r["transaction_id"],
			"account_id":     r["account_id"],
			"amount":         amount(r, "amount"),
			"currency":       strings.ToUpper(str(r["currency"])),
			"booked_at":      r["booked_at"],
			"status":         strings.ToLower(str(r["status"])),
			"merchant":       nullable(strings.TrimSpace(str(r["merchant"]))),
			"category":       str(r["category"]),
			"description":    r["description"],
			"balance_after":  nil,
		}
		if row["category"] == "" {
			row["category"] = "uncategorized"
		}
		if f, ok := memwh.Float(r["balance_after"]); ok {
			row["balance_after"] = f
		}
		out = append(out, row)
	}
	return out, nil
}

func stgMerchants(ctx context.Context, in memwh.Inputs, date civil.Date) ([]memwh.Row, error) {
	raw, err := in.Rows("transactions")
	if err != nil {
		return nil, err
	}

	byMerchant := map[string]memwh.Row{}
	for _, r := range raw {
		merchant := strings.TrimSpace(str(r["merchant"]))
		if merchant == "" || strings.EqualFold(str(r["status"]), "reversed") {
			continue
		}
		agg, ok := byMerchant[merchant]
		if !ok {
			category := str(r["category"])
			if category == "" {
				category = "uncategorized"
			}
			agg = memwh.Row{"merchant": merchant, "category": category, "transactions": int64(0), "spend": 0.0}
			byMerchant[merchant] = agg
		}
		agg["transactions"] = agg["transactions"].(int64) + 1
		if a := amount(r, "amount"); a < 0 {
			agg["spend"] = agg["spend"].(float64) - a
		}
	}
	return sortedRows(byMerchant), nil
}

func martDailySpend(ctx context.Context, in memwh.Inputs, date civil.Date) ([]memwh.Row, error) {
	stg, err := in.Rows("stg_transactions")
	if err != nil {
		return nil, err
	}

	groups := map[string]memwh.Row{}
	for _, r := range stg {
		if r["status"] == "reversed" {
			continue
		}
		key := str(r["account_id"]) + "|" + str(r["currency"])
		agg, ok := groups[key]
		if !ok {
			agg = memwh.Row{
				"account_id":   r["account_id"],
				"currency":     r["currency"],
				"spend":        0.0,
				"income":       0.0,
				"transactions": int64(0),
			}
			groups[key] = agg
		}
		a := amount(r, "amount")
		if a < 0 {
			agg["spend"] = agg["spend"].(float64) - a
		} else {
			agg["income"] = agg["income"].(float64) + a
		}
		agg["transactions"] = agg["transactions"].(int64) + 1
	}
	return sortedRows(groups), nil
}

func martBalances(ctx context.Context, in memwh.Inputs, date civil.Date) ([]memwh.Row, error) {
	stg, err := in.Rows("stg_transactions")
	if err != nil {
		return nil, err
	}

	type latest struct {
		row memwh.Row
		at  time.Time
	}
	groups := map[string]*latest{}
	for _, r := range stg {
		if r["status"] != "booked" || r["balance_after"] == nil {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, str(r["booked_at"]))
		if err != nil {
			return nil, fmt.Errorf("mart_balances: booked_at %q: %w", r["booked_at"], err)
		}
		key := str(r["account_id"]) + "|" + str(r["currency"])
		if cur, ok := groups[key]; ok && !at.After(cur.at) {
			continue
		}
		groups[key] = &latest{
			row: memwh.Row{"account_id": r["account_id"], "currency": r["currency"], "closing_balance": r["balance_after"]},
			at:  at,
		}
	}

	rows := make(map[string]memwh.Row, len(groups))
	for k, v := range groups {
		rows[k] = v.row
	}
	return sortedRows(rows), nil
}

func martMerchantSpend(ctx context.Context, in memwh.Inputs, date civil.Date) ([]memwh.Row, error) {
	merchants, err := in.Rows("stg_merchants")
	if err != nil {
		return nil, err
	}

	sort.SliceStable(merchants, func(i, j int) bool {
		return amount(merchants[i], "spend") > amount(merchants[j], "spend")
	})

	out := make([]memwh.Row, 0, len(merchants))
	rank := 0
	for i, m := range merchants {
		if i == 0 || amount(m, "spend") != amount(merchants[i-1], "spend") {
			rank = i + 1
		}
		out = append(out, memwh.Row{
			"merchant":     m["merchant"],
			"category":     m["category"],
			"spend":        m["spend"],
			"transactions": m["transactions"],
			"spend_rank":   int64(rank),
		})
	}
	return out, nil
}

func sortedRows(groups map[string]memwh.Row) []memwh.Row {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]memwh.Row, 0, len(keys))
	for _, k := range keys {
		out = append(out, groups[k])
	}
	return out
}
