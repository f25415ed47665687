package payments

import (
	"context"
	"fmt"

	"github.com/oddside/backend/internal/store"
)

// Anomaly is one suspicious ledger pattern.
type Anomaly struct {
	Kind      string   `json:"kind"` // duplicate_entry, duplicate_intent, dangling_game
	LedgerIDs []string `json:"ledger_ids"`
	Detail    string   `json:"detail"`
}

// AnomalyDetector scans a group's ledger for duplicate entries,
// payment intents applied twice and entries pointing at missing or
// cancelled games.
type AnomalyDetector struct {
	store store.Store
}

func NewAnomalyDetector(st store.Store) *AnomalyDetector {
	return &AnomalyDetector{store: st}
}

func (a *AnomalyDetector) Scan(ctx context.Context, groupID string) ([]Anomaly, error) {
	entries, err := a.store.Find(ctx, store.ColLedgerEntries, store.Filter{"group_id": groupID}, store.FindOptions{})
	if err != nil {
		return nil, err
	}

	var anomalies []Anomaly

	// Duplicate entries: same from/to/amount/game.
	byShape := make(map[string][]string)
	for _, e := range entries {
		amount, _ := e["amount"].(float64)
		shape := fmt.Sprintf("%s|%s|%.2f|%s", str(e["from_user_id"]), str(e["to_user_id"]), amount, str(e["game_id"]))
		byShape[shape] = append(byShape[shape], str(e["ledger_id"]))
	}
	for shape, ids := range byShape {
		if len(ids) > 1 {
			anomalies = append(anomalies, Anomaly{
				Kind:      "duplicate_entry",
				LedgerIDs: ids,
				Detail:    "identical from/to/amount/game: " + shape,
			})
		}
	}

	// One payment intent on multiple paid entries.
	byIntent := make(map[string][]string)
	for _, e := range entries {
		pi := str(e["stripe_payment_intent_id"])
		if pi == "" || str(e["status"]) != "paid" {
			continue
		}
		byIntent[pi] = append(byIntent[pi], str(e["ledger_id"]))
	}
	for pi, ids := range byIntent {
		if len(ids) > 1 {
			anomalies = append(anomalies, Anomaly{
				Kind:      "duplicate_intent",
				LedgerIDs: ids,
				Detail:    "payment intent " + pi + " applied to multiple paid entries",
			})
		}
	}

	// Entries referencing missing or cancelled games.
	for _, e := range entries {
		gameID := str(e["game_id"])
		if gameID == "" {
			continue
		}
		game, err := a.store.FindOne(ctx, store.ColGameNights, store.Filter{"game_id": gameID})
		if err != nil {
			return nil, err
		}
		if game == nil || str(game["status"]) == "cancelled" {
			anomalies = append(anomalies, Anomaly{
				Kind:      "dangling_game",
				LedgerIDs: []string{str(e["ledger_id"])},
				Detail:    "entry references missing or cancelled game " + gameID,
			})
		}
	}

	return anomalies, nil
}
