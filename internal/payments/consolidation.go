package payments

import (
	"context"
	"sort"
	"strings"

	"github.com/oddside/backend/internal/store"
)

// NettedDebt is one direction of a consolidated pair after netting.
type NettedDebt struct {
	FromUserID         string   `json:"from_user_id"`
	ToUserID           string   `json:"to_user_id"`
	Amount             float64  `json:"amount"`
	Currency           string   `json:"currency"`
	HasMixedCurrencies bool     `json:"has_mixed_currencies,omitempty"`
	AllocatedLedgerIDs []string `json:"allocated_ledger_ids"`
}

// Consolidator builds a view-only netting plan over pending debts.
// Nothing here mutates the ledger.
type Consolidator struct {
	store store.Store
}

func NewConsolidator(st store.Store) *Consolidator {
	return &Consolidator{store: st}
}

type pairKey struct {
	a, b string // sorted user IDs
}

func keyFor(u1, u2 string) pairKey {
	if u1 < u2 {
		return pairKey{u1, u2}
	}
	return pairKey{u2, u1}
}

// Consolidate nets bidirectional pending debts inside one group and
// allocates each netted amount against the original entries oldest
// first. Disputed entries are excluded by the status filter. Pairs with
// mixed currencies net only the dominant currency; the foreign entries
// are left out and the suggestion carries has_mixed_currencies.
func (c *Consolidator) Consolidate(ctx context.Context, groupID string) ([]NettedDebt, error) {
	entries, err := c.store.Find(ctx, store.ColLedgerEntries, store.Filter{
		"group_id": groupID,
		"status":   store.Doc{"$in": []interface{}{"pending", "open"}},
	}, store.FindOptions{Sort: &store.Sort{Field: "created_at"}})
	if err != nil {
		return nil, err
	}

	pairs := make(map[pairKey][]store.Doc)
	for _, e := range entries {
		from, to := str(e["from_user_id"]), str(e["to_user_id"])
		if from == "" || to == "" || from == to {
			continue
		}
		k := keyFor(from, to)
		pairs[k] = append(pairs[k], e)
	}

	var out []NettedDebt
	for k, docs := range pairs {
		byCurrency := make(map[string][]store.Doc)
		gross := make(map[string]float64)
		for _, d := range docs {
			cur := strings.ToLower(str(d["currency"]))
			if cur == "" {
				cur = "usd"
			}
			byCurrency[cur] = append(byCurrency[cur], d)
			amount, _ := d["amount"].(float64)
			gross[cur] += amount
		}

		// Dominant currency: most entries, then larger gross, then name.
		dominant := ""
		for cur := range byCurrency {
			if dominant == "" {
				dominant = cur
				continue
			}
			switch {
			case len(byCurrency[cur]) != len(byCurrency[dominant]):
				if len(byCurrency[cur]) > len(byCurrency[dominant]) {
					dominant = cur
				}
			case gross[cur] != gross[dominant]:
				if gross[cur] > gross[dominant] {
					dominant = cur
				}
			case cur < dominant:
				dominant = cur
			}
		}
		mixed := len(byCurrency) > 1

		// The netted payment settles every entry in the dominant set;
		// docs arrive sorted, so the allocation stays oldest-first.
		net := 0.0 // positive: k.a owes k.b
		var allocated []string
		for _, d := range byCurrency[dominant] {
			amount, _ := d["amount"].(float64)
			if str(d["from_user_id"]) == k.a {
				net += amount
			} else {
				net -= amount
			}
			allocated = append(allocated, str(d["ledger_id"]))
		}

		if net == 0 {
			if mixed {
				out = append(out, NettedDebt{
					FromUserID:         k.a,
					ToUserID:           k.b,
					Currency:           dominant,
					HasMixedCurrencies: true,
				})
			}
			continue
		}

		debtor, creditor := k.a, k.b
		owed := net
		if net < 0 {
			debtor, creditor = k.b, k.a
			owed = -net
		}
		out = append(out, NettedDebt{
			FromUserID:         debtor,
			ToUserID:           creditor,
			Amount:             owed,
			Currency:           dominant,
			HasMixedCurrencies: mixed,
			AllocatedLedgerIDs: allocated,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FromUserID != out[j].FromUserID {
			return out[i].FromUserID < out[j].FromUserID
		}
		return out[i].ToUserID < out[j].ToUserID
	})
	return out, nil
}
