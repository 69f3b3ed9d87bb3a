package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"yield-guard/internal/config"
	"yield-guard/internal/custody"
)

func (a *App) openCustody(ctx context.Context) (*custody.Manager, func(), error) {
	store, closeStore, err := a.requireStore(ctx, "manage session keys")
	if err != nil {
		return nil, nil, err
	}
	m, err := a.newCustody(ctx, store)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	if m == nil {
		closeStore()
		return nil, nil, errors.New("custody.master_key not configured")
	}
	return m, closeStore, nil
}

// GenerateKey creates a persisted session key and prints its owner address.
func (a *App) GenerateKey(ctx context.Context, opts KeyOptions) error {
	m, closeStore, err := a.openCustody(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	validFor := opts.ValidFor
	if validFor <= 0 {
		validFor = a.Config.Custody.KeyValidity
	}
	rawLimit := opts.SpendLimit
	if rawLimit == "" {
		rawLimit = a.Config.Custody.SpendLimit
	}
	limit, err := config.ParseAmount(rawLimit)
	if err != nil {
		return err
	}

	info, err := m.Generate(ctx, time.Now().Add(validFor), limit)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("owner", info.Owner.Hex()).Time("valid_until", info.ValidUntil).Msg("session key generated")
	return renderKeys(os.Stdout, []custody.KeyInfo{info})
}

// ListKeys prints every held session key.
func (a *App) ListKeys(ctx context.Context) error {
	m, closeStore, err := a.openCustody(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return renderKeys(os.Stdout, m.List())
}

// RevokeKey destroys a session key.
func (a *App) RevokeKey(ctx context.Context, owner string) error {
	if !common.IsHexAddress(owner) {
		return fmt.Errorf("invalid owner address %q", owner)
	}
	m, closeStore, err := a.openCustody(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if !m.Revoke(ctx, common.HexToAddress(owner)) {
		return fmt.Errorf("no session key held for %s", owner)
	}
	fmt.Fprintf(os.Stdout, "revoked %s\n", common.HexToAddress(owner).Hex())
	return nil
}

func renderKeys(out io.Writer, keys []custody.KeyInfo) error {
	if len(keys) == 0 {
		fmt.Fprintln(out, "no session keys held")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Owner\tValid until (UTC)\tSpend limit\tStatus")
	for _, k := range keys {
		status := "active"
		if k.Expired {
			status = "expired"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			k.Owner.Hex(),
			k.ValidUntil.UTC().Format(time.RFC3339),
			k.SpendLimit.Dec(),
			status,
		)
	}
	return writer.Flush()
}
