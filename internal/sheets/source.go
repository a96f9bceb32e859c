// Package sheets reads ledger entries from a Google Sheets spreadsheet, for
// households that keep their ledger in a shared sheet.
//
// The ledger sheet has one entry per row:
//
//	A id | B user_id | C date (YYYY-MM-DD) | D category | E amount | F transfer | G superseded_by
//
// A first row whose date column does not parse is treated as a header.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"finsights/internal/core"
	"finsights/internal/ports"
)

const DefaultLedgerSheet = "Ledger"

type Config struct {
	SpreadsheetID   string
	LedgerSheet     string
	CredentialsJSON string
	CredentialsFile string
}

type LedgerSource struct {
	svc           *gsheet.Service
	spreadsheetID string
	ledgerSheet   string
}

var _ ports.LedgerSource = (*LedgerSource)(nil)

// NewLedgerSource authenticates with a service account and returns a
// read-only ledger source.
func NewLedgerSource(ctx context.Context, cfg Config) (*LedgerSource, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	creds, err := credentials(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(creds),
		goption.WithScopes(gsheet.SpreadsheetsReadonlyScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	slog.InfoContext(ctx, "Google Sheets ledger source ready", "sheet", cfg.LedgerSheet)
	return NewLedgerSourceWithService(svc, cfg.SpreadsheetID, cfg.LedgerSheet), nil
}

func NewLedgerSourceWithService(svc *gsheet.Service, spreadsheetID, ledgerSheet string) *LedgerSource {
	if strings.TrimSpace(ledgerSheet) == "" {
		ledgerSheet = DefaultLedgerSheet
	}
	return &LedgerSource{svc: svc, spreadsheetID: strings.TrimSpace(spreadsheetID), ledgerSheet: strings.TrimSpace(ledgerSheet)}
}

// credentials prefers inline JSON, then a file, then GOOGLE_APPLICATION_CREDENTIALS.
func credentials(ctx context.Context, cfg Config) ([]byte, error) {
	inline := strings.TrimSpace(cfg.CredentialsJSON)
	file := strings.TrimSpace(cfg.CredentialsFile)
	if inline == "" && file == "" {
		file = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	switch {
	case inline != "":
		return []byte(inline), nil
	case file != "":
		slog.InfoContext(ctx, "Reading credentials from file", "path", file)
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	}
	return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
}

func (s *LedgerSource) QueryLedgerEntries(ctx context.Context, userID string, rng core.DateRange) ([]core.LedgerEntry, error) {
	if s.svc == nil {
		return nil, fmt.Errorf("%w: sheets service not initialized", core.ErrDataUnavailable)
	}
	a1 := fmt.Sprintf("%s!A:G", s.ledgerSheet)
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, a1).
		ValueRenderOption("UNFORMATTED_VALUE").
		Context(ctx).Do()
	if err != nil {
		return nil, core.StorageError(ctx, "read "+a1, err)
	}
	return parseLedger(resp.Values, userID, rng)
}

// parseLedger keeps the live rows of userID inside rng. A malformed row of
// that user fails the whole read.
func parseLedger(values [][]any, userID string, rng core.DateRange) ([]core.LedgerEntry, error) {
	var out []core.LedgerEntry
	for i, row := range values {
		cols := toStrings(row)
		if len(cols) == 0 || strings.Join(cols, "") == "" {
			continue
		}
		day, dateErr := core.ParseDate(safeGet(cols, 2))
		if i == 0 && dateErr != nil {
			continue
		}
		if safeGet(cols, 1) != userID || safeGet(cols, 6) != "" {
			continue
		}
		if dateErr != nil {
			return nil, fmt.Errorf("%w: row %d: %v", core.ErrInvalidRecord, i+1, dateErr)
		}
		if !rng.Contains(day) {
			continue
		}
		amount, err := core.ParseAmountToMinor(safeGet(cols, 4))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		e, err := core.NewLedgerEntry(safeGet(cols, 0), userID, safeGet(cols, 3), amount, day, parseBool(safeGet(cols, 5)))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func safeGet(cols []string, i int) string {
	if i < 0 || i >= len(cols) {
		return ""
	}
	return cols[i]
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
