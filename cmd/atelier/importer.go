package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/snapshot"
)

const dateLayout = "2006-01-02"

// csvRow maps lower-cased header names to cell values.
type csvRow struct {
	line   int
	fields map[string]string
}

func (r csvRow) str(col string) string {
	return strings.TrimSpace(r.fields[col])
}

func (r csvRow) money(col string) (float64, error) {
	v := strings.ReplaceAll(r.str(col), ",", "")
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: %s: %w", r.line, col, err)
	}
	return f, nil
}

func (r csvRow) date(col string) (time.Time, error) {
	v := r.str(col)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("line %d: %s: expected YYYY-MM-DD, got %q", r.line, col, v)
	}
	return t, nil
}

// readCSV reads a headed CSV file. Every column named in required must be
// present in the header.
func readCSV(in io.Reader, required ...string) ([]csvRow, error) {
	reader := csv.NewReader(in)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range required {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", domain.ErrInvalidInput, col)
		}
	}

	var rows []csvRow
	line := 1
	for {
		record, err := reader.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", domain.ErrInvalidInput, line, err)
		}
		fields := make(map[string]string, len(colIndex))
		for col, i := range colIndex {
			if i < len(record) {
				fields[col] = record[i]
			}
		}
		rows = append(rows, csvRow{line: line, fields: fields})
	}
	return rows, nil
}

func parseClients(rows []csvRow) ([]*domain.Client, error) {
	out := make([]*domain.Client, 0, len(rows))
	for _, r := range rows {
		spend, err := r.money("lifetime_spend")
		if err != nil {
			return nil, err
		}
		var brands []string
		if v := r.str("preferred_brands"); v != "" {
			for _, b := range strings.Split(v, ";") {
				if b = strings.TrimSpace(b); b != "" {
					brands = append(brands, b)
				}
			}
		}
		out = append(out, &domain.Client{
			ID:              r.str("id"),
			Name:            r.str("name"),
			Email:           r.str("email"),
			Phone:           r.str("phone"),
			LifetimeSpend:   spend,
			PreferredBrands: brands,
			Notes:           r.str("notes"),
		})
	}
	return out, nil
}

func parseWatches(rows []csvRow) ([]*domain.WatchModel, error) {
	out := make([]*domain.WatchModel, 0, len(rows))
	for _, r := range rows {
		price, err := r.money("price")
		if err != nil {
			return nil, err
		}
		tier, err := strconv.Atoi(r.str("watch_tier"))
		if err != nil {
			return nil, fmt.Errorf("line %d: watch_tier: %w", r.line, err)
		}
		avail := domain.Availability(r.str("availability"))
		if avail == "" {
			avail = domain.AvailabilityAvailable
		}
		out = append(out, &domain.WatchModel{
			ID:           r.str("id"),
			Brand:        r.str("brand"),
			Model:        r.str("model"),
			Collection:   r.str("collection"),
			Reference:    r.str("reference"),
			Price:        price,
			WatchTier:    domain.Tier(tier),
			Availability: avail,
		})
	}
	return out, nil
}

func parseWaitlist(rows []csvRow) ([]*domain.WaitlistEntry, error) {
	out := make([]*domain.WaitlistEntry, 0, len(rows))
	for _, r := range rows {
		added, err := r.date("date_added")
		if err != nil {
			return nil, err
		}
		out = append(out, &domain.WaitlistEntry{
			ID:           r.str("id"),
			ClientID:     r.str("client_id"),
			WatchModelID: r.str("watch_model_id"),
			DateAdded:    added,
			Priority:     r.str("priority"),
			Notes:        r.str("notes"),
		})
	}
	return out, nil
}

func parsePurchases(rows []csvRow) ([]domain.Purchase, error) {
	out := make([]domain.Purchase, 0, len(rows))
	for _, r := range rows {
		price, err := r.money("price")
		if err != nil {
			return nil, err
		}
		date, err := r.date("date")
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Purchase{
			ID:         r.str("id"),
			ClientID:   r.str("client_id"),
			Brand:      r.str("brand"),
			WatchModel: r.str("watch_model"),
			Price:      price,
			Date:       date,
		})
	}
	return out, nil
}

// importer applies parsed records to a tenant snapshot so every row is
// validated the same way the API validates it, then persists the result.
type importer struct {
	st       *stack
	tenantID string
	now      time.Time
}

func (im *importer) run(ctx context.Context, kind string, in io.Reader) (int, error) {
	store, err := im.st.registry.Store(ctx, im.tenantID)
	if err != nil {
		return 0, err
	}

	var (
		count int
		write func(repo domain.Repository) error
	)

	prev, next, err := store.Apply(func(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		switch kind {
		case "clients":
			rows, err := readCSV(in, "id", "name", "lifetime_spend")
			if err != nil {
				return nil, err
			}
			clients, err := parseClients(rows)
			if err != nil {
				return nil, err
			}
			for _, c := range clients {
				if existing, ok := s.Client(c.ID); ok {
					c.Purchases = existing.Purchases
					c.CreatedAt = existing.CreatedAt
				} else {
					c.CreatedAt = im.now
				}
				c.UpdatedAt = im.now
				if s, err = s.WithClient(c); err != nil {
					return nil, err
				}
			}
			count = len(clients)
			write = func(domain.Repository) error { return nil }

		case "watches":
			rows, err := readCSV(in, "id", "brand", "price", "watch_tier")
			if err != nil {
				return nil, err
			}
			watches, err := parseWatches(rows)
			if err != nil {
				return nil, err
			}
			for _, w := range watches {
				w.CreatedAt, w.UpdatedAt = im.now, im.now
				if s, err = s.WithWatch(w); err != nil {
					return nil, err
				}
			}
			count = len(watches)
			write = func(repo domain.Repository) error {
				for _, w := range watches {
					if err := repo.SaveWatch(ctx, im.tenantID, w); err != nil {
						return err
					}
				}
				return nil
			}

		case "waitlist":
			rows, err := readCSV(in, "client_id", "watch_model_id", "date_added")
			if err != nil {
				return nil, err
			}
			entries, err := parseWaitlist(rows)
			if err != nil {
				return nil, err
			}
			var added []*domain.WaitlistEntry
			for _, e := range entries {
				if s, err = s.WithWaitlistEntry(e); err != nil {
					return nil, err
				}
				// The snapshot assigns ids to entries that have none.
				all := s.Waitlist()
				added = append(added, all[len(all)-1])
			}
			count = len(entries)
			write = func(repo domain.Repository) error {
				for _, e := range added {
					if err := repo.SaveWaitlistEntry(ctx, im.tenantID, e); err != nil {
						return err
					}
				}
				return nil
			}

		case "purchases":
			rows, err := readCSV(in, "client_id", "price", "date")
			if err != nil {
				return nil, err
			}
			purchases, err := parsePurchases(rows)
			if err != nil {
				return nil, err
			}
			var saved []domain.Purchase
			for _, p := range purchases {
				if s, err = s.WithPurchase(p.ClientID, p); err != nil {
					return nil, err
				}
				c, _ := s.Client(p.ClientID)
				saved = append(saved, c.Purchases[len(c.Purchases)-1])
			}
			count = len(purchases)
			write = func(repo domain.Repository) error {
				for i := range saved {
					if err := repo.SavePurchase(ctx, im.tenantID, &saved[i]); err != nil {
						return err
					}
				}
				return nil
			}

		default:
			return nil, fmt.Errorf("%w: unknown import kind %q", domain.ErrInvalidInput, kind)
		}
		return s, nil
	})
	if err != nil {
		return 0, err
	}

	if err := write(im.st.repo); err != nil {
		return 0, err
	}
	for _, c := range next.ClientsChangedSince(prev) {
		if err := im.st.repo.SaveClient(ctx, im.tenantID, c); err != nil {
			return 0, fmt.Errorf("save client %s: %w", c.ID, err)
		}
	}
	return count, nil
}

func createImportCmd() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "import [clients|watches|waitlist|purchases] [filename]",
		Short: "Import boutique records from a CSV file",
		Long: `Import clients, the watch catalog, waitlist entries or purchase history
from a CSV file with a header row. Dates are YYYY-MM-DD; preferred brands
are separated by semicolons. Client tiers are recomputed after the import.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			file, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer file.Close()

			st, err := openStack(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			im := &importer{st: st, tenantID: tenantID, now: time.Now().UTC()}
			n, err := im.run(ctx, args[0], file)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: imported %d %s\n", tenantID, n, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "boutique (tenant) id")
	cmd.MarkFlagRequired("tenant")
	return cmd
}
