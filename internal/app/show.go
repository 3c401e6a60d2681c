package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints the persisted public state of every configured feed.
func (a *App) Show(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show feed state")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snaps, err := store.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintln(os.Stdout, "no feed state persisted yet")
		return nil
	}

	decimalsByCaption := make(map[string]int32, len(a.Config.Feeds))
	for _, fc := range a.Config.Feeds {
		decimalsByCaption[fc.Caption] = fc.Decimals
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Feed\tQuery ID\tPrice\tUpdated (UTC)\tPending\tRequest")

	for _, snap := range snaps {
		price := "-"
		updated := "-"
		if snap.LastTimestamp != 0 {
			scale := decimalsByCaption[snap.Caption]
			price = decimal.NewFromBigInt(new(big.Int).SetUint64(snap.LastValue), -scale).String()
			updated = time.Unix(int64(snap.LastTimestamp), 0).UTC().Format(time.RFC3339)
		}
		request := "-"
		if snap.Pending {
			request = fmt.Sprintf("%d", snap.PendingRequestID)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%t\t%s\n",
			snap.Caption,
			snap.QueryID.Hex(),
			price,
			updated,
			snap.Pending,
			request,
		)
	}

	writer.Flush()
	return nil
}
