package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
	"github.com/kase1111-hash/learning-contracts/pkg/store"
)

func (c *cli) contractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "contract",
		Aliases: []string{"contracts"},
		Short:   "Author contracts and drive their lifecycle",
	}
	cmd.AddCommand(
		c.contractCreateCmd(),
		c.transitionCmd("submit", "Submit a draft for review", false,
			func(ctx context.Context, a *app, id, actor, _ string) (*contracts.LearningContract, error) {
				return a.lifecycle.SubmitForReview(ctx, id, actor)
			}),
		c.transitionCmd("return", "Return a contract under review to draft", true,
			func(ctx context.Context, a *app, id, actor, reason string) (*contracts.LearningContract, error) {
				return a.lifecycle.ReturnToDraft(ctx, id, actor, reason)
			}),
		c.transitionCmd("activate", "Activate a reviewed contract", false,
			func(ctx context.Context, a *app, id, actor, _ string) (*contracts.LearningContract, error) {
				return a.lifecycle.Activate(ctx, id, actor)
			}),
		c.transitionCmd("expire", "Expire an active contract", true,
			func(ctx context.Context, a *app, id, actor, reason string) (*contracts.LearningContract, error) {
				return a.lifecycle.Expire(ctx, id, actor, reason)
			}),
		c.transitionCmd("revoke", "Revoke an active contract", true,
			func(ctx context.Context, a *app, id, actor, reason string) (*contracts.LearningContract, error) {
				return a.lifecycle.Revoke(ctx, id, actor, reason)
			}),
		c.contractAmendCmd(),
		c.contractShowCmd(),
		c.contractListCmd(),
		c.contractExpireDueCmd(),
	)
	return cmd
}

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

func (c *cli) contractCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create -f draft.yaml",
		Short: "Create a draft contract from a YAML document",
		Example: `  lcctl contract create -f episodic.yaml
  cat draft.yaml | lcctl contract create -f -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return usagef("--file is required")
			}
			r, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()
			draft, err := contracts.DecodeDraftYAML(r)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				created, err := a.lifecycle.CreateDraft(ctx, draft)
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, created)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "draft document, or - for stdin")
	return cmd
}

type transitionFunc func(ctx context.Context, a *app, id, actor, reason string) (*contracts.LearningContract, error)

func (c *cli) transitionCmd(name, short string, withReason bool, fn transitionFunc) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   name + " <contract-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return usagef("--actor is required")
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				updated, err := fn(ctx, a, args[0], actor, reason)
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, updated)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who performs the transition")
	if withReason {
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
	}
	return cmd
}

func (c *cli) contractAmendCmd() *cobra.Command {
	var file, actor, reason string
	cmd := &cobra.Command{
		Use:   "amend <contract-id> -f amendment.yaml",
		Short: "Amend an active contract, producing a successor draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" || actor == "" {
				return usagef("--file and --actor are required")
			}
			r, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()
			changes, err := contracts.DecodeAmendmentYAML(r)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				original, successor, err := a.lifecycle.Amend(ctx, args[0], actor, changes, reason)
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, map[string]any{
					"original":  original,
					"successor": successor,
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "amendment document, or - for stdin")
	cmd.Flags().StringVar(&actor, "actor", "", "who amends the contract")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the successor")
	return cmd
}

func (c *cli) contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show a contract and its audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				ct, err := a.lifecycle.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, map[string]any{
					"contract":    ct,
					"enforceable": a.lifecycle.IsEnforceable(ct),
					"expired":     a.lifecycle.IsExpired(ct),
					"history":     a.audit.ContractHistory(ct.ContractID),
				})
			})
		},
	}
}

func (c *cli) contractListCmd() *cobra.Command {
	var state, typ, owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := store.Filter{
				State:     contracts.State(state),
				Type:      contracts.Type(typ),
				CreatedBy: owner,
			}
			if state != "" && !f.State.Valid() {
				return usagef("unknown state %q", state)
			}
			if typ != "" && !f.Type.Valid() {
				return usagef("unknown contract type %q", typ)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				list, err := a.lifecycle.List(ctx, f)
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, list)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&typ, "type", "", "filter by contract type")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	return cmd
}

func (c *cli) contractExpireDueCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "expire-due",
		Short: "Expire every active contract past its deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				expired, err := a.lifecycle.ExpireDue(ctx, actor)
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, expired)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "system:expiry", "actor recorded on each expiry")
	return cmd
}
