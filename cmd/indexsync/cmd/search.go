package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexsync/internal/backend"
	"github.com/Aman-CERP/indexsync/internal/config"
	"github.com/Aman-CERP/indexsync/internal/cursor"
	"github.com/Aman-CERP/indexsync/internal/deadline"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/output"
)

// SearchHit is one hit in the JSON form of `search`.
type SearchHit struct {
	Index string  `json:"index"`
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// SearchOutput is the JSON form of `search`.
type SearchOutput struct {
	Total   uint64      `json:"total"`
	Partial bool        `json:"partial"`
	Fetches []int       `json:"fetches"`
	Hits    []SearchHit `json:"hits"`
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		index      string
		tenant     string
		limit      int
		budget     string
		policy     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search [query...]",
		Short: "Query the local index",
		Long: `Search runs a full-text query against the local index and pages
through the hits. A deadline budget bounds the query time; under the soft
policy the results found so far are returned and marked partial.

The local index is locked while 'indexsync run' holds it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if cfg.Backend.Kind != "local" {
				return errors.New(errors.ErrCodeUnsupported, "search needs the local backend", nil).
					WithSuggestion("query the remote cluster directly")
			}

			dl, err := newDeadline(cfg, budget, policy)
			if err != nil {
				return err
			}

			idx, err := backend.NewLocal(cfg.Backend.Path, backend.WithLocalLogger(a.logger))
			if err != nil {
				return err
			}
			defer func() { _ = idx.Close() }()

			dl.Start()
			defer dl.Stop()
			cur := cursor.New(idx.Query(index, strings.Join(args, " "), tenant),
				cursor.WithDeadline(dl), cursor.WithLogger(a.logger))

			var hits []SearchHit
			for i := 0; i < limit; i++ {
				hit, ok, err := cur.Get(cmd.Context(), i)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				hitIndex, _ := hit.Fields[backend.IndexField].(string)
				hits = append(hits, SearchHit{Index: hitIndex, ID: hit.ID, Score: hit.Score})
			}

			if jsonOutput {
				return writeJSON(cmd, SearchOutput{
					Total:   cur.Total(),
					Partial: cur.Partial(),
					Fetches: cur.Fetches(),
					Hits:    hits,
				})
			}
			out := output.New(cmd.OutOrStdout())
			rows := make([][]string, 0, len(hits))
			for i, h := range hits {
				rows = append(rows, []string{fmt.Sprint(i + 1), h.Index, h.ID, fmt.Sprintf("%.3f", h.Score)})
			}
			out.Table([]string{"#", "index", "id", "score"}, rows)
			if cur.Partial() {
				out.Warningf("deadline reached, showing %d of %d hits", len(hits), cur.Total())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&index, "index", "", "Restrict to one index")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Restrict to one tenant")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum hits to print")
	cmd.Flags().StringVar(&budget, "budget", "", "Query time budget, e.g. 200ms (default from config)")
	cmd.Flags().StringVar(&policy, "policy", "", "Deadline policy: none, soft or hard (default from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// newDeadline builds the query deadline from the config, with flag values
// taking precedence when set.
func newDeadline(cfg *config.Config, budget, policy string) (*deadline.Manager, error) {
	if budget == "" {
		budget = cfg.Deadline.Budget
	}
	if policy == "" {
		policy = cfg.Deadline.Policy
	}
	p, err := deadline.ParsePolicy(strings.ToLower(policy))
	if err != nil {
		return nil, errors.ValidationError("invalid deadline policy", err)
	}
	var d time.Duration
	if budget != "" {
		if d, err = time.ParseDuration(budget); err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("invalid budget %q", budget), err)
		}
	}
	return deadline.NewManager(d, p), nil
}
