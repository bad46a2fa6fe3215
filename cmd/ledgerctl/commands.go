package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/evetrade/ledger-engine/internal/app"
	"github.com/evetrade/ledger-engine/internal/config"
	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/reconcile"
	"github.com/evetrade/ledger-engine/internal/store"
)

func newSyncCmd() *cobra.Command {
	var principalID int64
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Import new wallet transactions for one or all characters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if principalID != 0 {
					o, err := a.Syncer.SyncPrincipalByID(ctx, principalID)
					if err != nil {
						return err
					}
					if err := render(cmd.OutOrStdout(), o, func(tw *tabwriter.Writer) {
						outcomeTable(tw, []*reconcile.Outcome{o})
					}); err != nil {
						return err
					}
					return o.Err
				}

				res, err := a.Syncer.SyncAll(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), res, func(tw *tabwriter.Writer) {
					outcomeTable(tw, res.Principals)
					fmt.Fprintln(tw)
					fmt.Fprintln(tw, res.Summary())
				})
			})
		},
	}
	cmd.Flags().Int64Var(&principalID, "principal", 0, "sync only this principal id")
	return cmd
}

func outcomeTable(tw *tabwriter.Writer, outcomes []*reconcile.Outcome) {
	fmt.Fprintln(tw, "PRINCIPAL\tNAME\tSTATUS\tNEW\tQUEUED\tSOLD\tUNMATCHED\tCURSOR\tDETAIL")
	for _, o := range outcomes {
		cursor := "-"
		if o.LastTransactionID != nil {
			cursor = strconv.FormatInt(*o.LastTransactionID, 10)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			o.PrincipalID, o.PrincipalName, o.Status, o.NewTransactions,
			o.QueuedBuys, o.AppliedSales, o.UnmatchedSaleUnits, cursor, o.Detail)
	}
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Review wallet buys waiting to become inventory",
	}

	var principalID int64
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued wallet buys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Store.ListQueue(ctx, store.QueueFilter{PrincipalID: principalID, Status: status})
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []model.QueueEntry{}
				}
				return render(cmd.OutOrStdout(), entries, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tPRINCIPAL\tTRANSACTION\tITEM\tQTY\tUNIT PRICE\tTIME\tSTATUS")
					for _, e := range entries {
						fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
							e.ID, e.PrincipalID, e.TransactionID, e.ItemID, e.Quantity,
							e.UnitPrice.StringFixed(2), e.EventTime.Format("2006-01-02 15:04"), e.Status)
					}
				})
			})
		},
	}
	list.Flags().Int64Var(&principalID, "principal", 0, "only this principal id")
	list.Flags().StringVar(&status, "status", model.QueuePending, "pending, applied, ignored or empty for all")

	cmd.AddCommand(list, reviewCmd(reconcile.ActionApply), reviewCmd(reconcile.ActionIgnore))
	return cmd
}

func reviewCmd(action reconcile.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " ID...",
		Short: fmt.Sprintf("%s queued wallet buys", action),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := reconcile.ReviewQueue(ctx, a.Store, ids, action)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), res, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, res.Message)
				})
			})
		},
	}
}

func newPrincipalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principals",
		Short: "Show and configure linked characters",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List linked characters with their last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				principals, err := a.Store.ListPrincipals(ctx)
				if err != nil {
					return err
				}
				cursors := map[int64]*model.SyncCursor{}
				for _, p := range principals {
					if c, err := a.Store.GetCursor(ctx, p.ID); err == nil {
						cursors[p.ID] = c
					}
				}
				if principals == nil {
					principals = []model.Principal{}
				}
				return render(cmd.OutOrStdout(), principals, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tCHARACTER\tNAME\tCORPORATION\tDEFAULT\tBUYS\tSELLS\tLAST SYNC\tSTATUS")
					for _, p := range principals {
						last, status := "-", "-"
						if c := cursors[p.ID]; c != nil {
							last = c.LastSyncAt.Format("2006-01-02 15:04")
							status = c.LastStatus
						}
						fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%t\t%t\t%t\t%s\t%s\n",
							p.ID, p.CharacterID, p.Name, p.CorporationName,
							p.IsDefaultTrader, p.ScanBuys, p.ScanSells, last, status)
					}
				})
			})
		},
	}

	var buys, sells bool
	scan := &cobra.Command{
		Use:   "scan ID",
		Short: "Set which wallet sides are imported for a character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("principal id %q: %w", args[0], err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Store.GetPrincipal(ctx, id)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("buys") {
					buys = p.ScanBuys
				}
				if !cmd.Flags().Changed("sells") {
					sells = p.ScanSells
				}
				if err := a.Store.SetScanFlags(ctx, id, buys, sells); err != nil {
					return err
				}
				p.ScanBuys, p.ScanSells = buys, sells
				return render(cmd.OutOrStdout(), p, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "%s: scan buys %t, scan sells %t\n", p.Name, buys, sells)
				})
			})
		},
	}
	scan.Flags().BoolVar(&buys, "buys", true, "import wallet buys")
	scan.Flags().BoolVar(&sells, "sells", true, "import wallet sells")

	cmd.AddCommand(list, scan)
	return cmd
}

func newLinkCmd() *cobra.Command {
	var accessToken, refreshToken string
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a character from freshly issued SSO tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, created, err := a.Linker.Link(ctx, accessToken, refreshToken)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), p, func(tw *tabwriter.Writer) {
					verb := "Updated"
					if created {
						verb = "Linked"
					}
					fmt.Fprintf(tw, "%s %s (%d), principal %d\n", verb, p.Name, p.CharacterID, p.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&accessToken, "access-token", "", "SSO access token")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "SSO refresh token")
	cmd.MarkFlagRequired("access-token")
	cmd.MarkFlagRequired("refresh-token")
	return cmd
}

func newLotsCmd() *cobra.Command {
	var openOnly bool
	cmd := &cobra.Command{
		Use:   "lots ITEM_ID",
		Short: "Show an item's FIFO lots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("item id %q: %w", args[0], err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				item, err := a.Store.GetItem(ctx, itemID)
				if err != nil {
					return err
				}
				var lots []model.InventoryLot
				if openOnly {
					lots, err = a.Store.OpenLots(ctx, itemID)
				} else {
					lots, err = a.Store.ListLots(ctx, itemID)
				}
				if err != nil {
					return err
				}
				if lots == nil {
					lots = []model.InventoryLot{}
				}
				return render(cmd.OutOrStdout(), lots, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "%s (item %d)\n", item.Name, item.ID)
					fmt.Fprintln(tw, "LOT\tACQUIRED\tTOTAL\tREMAINING\tUNIT COST\tSOURCE")
					for _, l := range lots {
						fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n",
							l.ID, l.AcquiredAt.Format("2006-01-02 15:04"), l.QuantityTotal,
							l.QuantityRemaining, l.UnitCost.StringFixed(2), l.Source)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&openOnly, "open", false, "only lots with remaining quantity")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// Opening a persistent backend applies its schema.
			_, closeStore, err := app.OpenStore(cmd.Context(), cfg.Storage, slog.Default())
			if err != nil {
				return err
			}
			closeStore()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("queue entry id %q is not a positive integer", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
