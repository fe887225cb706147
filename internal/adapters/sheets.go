package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/logging"
	"github.com/teemow/expensebridge/internal/provider"
)

const (
	// DefaultWorksheet is the ledger worksheet used when none is given.
	DefaultWorksheet = "Expenses"
	defaultColumns   = "A:E"

	valueInputUserEntered = "USER_ENTERED"
	valueInputRaw         = "RAW"
)

// Rows is the result of read_rows.
type Rows struct {
	Range string     `json:"range"`
	Rows  [][]string `json:"rows"`
}

// AppendResult is the result of append_rows.
type AppendResult struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	UpdatedRange  string `json:"updated_range"`
	UpdatedRows   int64  `json:"updated_rows"`
	// WorksheetCreated is set when the worksheet did not exist.
	WorksheetCreated bool `json:"worksheet_created,omitempty"`
}

// SheetsAdapter implements read_rows and append_rows.
type SheetsAdapter struct {
	opts Options

	// Worksheet creation runs once per spreadsheet and title at a time.
	// known holds worksheets seen to exist.
	creating singleflight.Group
	known    sync.Map
}

// NewSheetsAdapter creates a Sheets adapter.
func NewSheetsAdapter(opts Options) *SheetsAdapter {
	return &SheetsAdapter{opts: opts.withDefaults()}
}

func (a *SheetsAdapter) Provider() provider.Provider {
	return provider.Sheets
}

func (a *SheetsAdapter) Operations() []string {
	return []string{OpReadRows, OpAppendRows}
}

func (a *SheetsAdapter) Execute(ctx context.Context, operation string, cred *credentials.Record, args Args) (any, error) {
	if !slices.Contains(a.Operations(), operation) {
		return nil, unsupported(provider.Sheets, operation)
	}

	spreadsheetID := args.StringOr("spreadsheet_id", a.opts.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, invalidArg(provider.Sheets, "spreadsheet_id is required")
	}

	svc, err := sheets.NewService(ctx,
		option.WithHTTPClient(a.opts.httpClient(cred)),
		option.WithEndpoint(a.opts.baseURL(provider.Sheets)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sheets service: %w", err)
	}

	var out any
	switch operation {
	case OpReadRows:
		out, err = a.readRows(ctx, svc, spreadsheetID, args)
	case OpAppendRows:
		out, err = a.appendRows(ctx, svc, spreadsheetID, args)
	}
	if err != nil {
		return nil, Classify(provider.Sheets, err)
	}
	return out, nil
}

// quoteSheet quotes a worksheet title for use in A1 notation.
func quoteSheet(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func sheetRange(args Args) (worksheet, rng string) {
	worksheet = args.StringOr("worksheet", DefaultWorksheet)
	if r := args.String("range"); r != "" {
		return worksheet, r
	}
	return worksheet, quoteSheet(worksheet) + "!" + defaultColumns
}

func (a *SheetsAdapter) readRows(ctx context.Context, svc *sheets.Service, spreadsheetID string, args Args) (*Rows, error) {
	_, rng := sheetRange(args)

	vr, err := svc.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	out := &Rows{Range: vr.Range, Rows: make([][]string, 0, len(vr.Values))}
	for _, row := range vr.Values {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = cellString(c)
		}
		out.Rows = append(out.Rows, cells)
	}
	return out, nil
}

func (a *SheetsAdapter) appendRows(ctx context.Context, svc *sheets.Service, spreadsheetID string, args Args) (*AppendResult, error) {
	rows, err := args.Rows(provider.Sheets, "rows")
	if err != nil {
		return nil, err
	}
	inputOption := strings.ToUpper(args.StringOr("value_input_option", valueInputUserEntered))
	if inputOption != valueInputUserEntered && inputOption != valueInputRaw {
		return nil, invalidArg(provider.Sheets, "value_input_option must be RAW or USER_ENTERED")
	}

	worksheet, rng := sheetRange(args)
	result := &AppendResult{SpreadsheetID: spreadsheetID}

	if args.String("range") == "" && args.Bool("create_worksheet", true) {
		created, err := a.ensureWorksheet(ctx, svc, spreadsheetID, worksheet)
		if err != nil {
			return nil, err
		}
		result.WorksheetCreated = created
	}

	resp, err := svc.Spreadsheets.Values.Append(spreadsheetID, rng, &sheets.ValueRange{Values: rows}).
		ValueInputOption(inputOption).
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		if apiStatus(err) == http.StatusBadRequest {
			// The worksheet may have been deleted since it was cached.
			a.known.Delete(worksheetKey(spreadsheetID, worksheet))
		}
		return nil, err
	}
	if resp.Updates != nil {
		result.UpdatedRange = resp.Updates.UpdatedRange
		result.UpdatedRows = resp.Updates.UpdatedRows
	}
	return result, nil
}

func worksheetKey(spreadsheetID, title string) string {
	return spreadsheetID + "\x00" + title
}

func apiStatus(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// ensureWorksheet adds the worksheet if the spreadsheet lacks it and reports
// whether this call created it. Concurrent appends to the same missing
// worksheet share one creation.
func (a *SheetsAdapter) ensureWorksheet(ctx context.Context, svc *sheets.Service, spreadsheetID, title string) (bool, error) {
	key := worksheetKey(spreadsheetID, title)
	if _, ok := a.known.Load(key); ok {
		return false, nil
	}

	leader := false
	ch := a.creating.DoChan(key, func() (any, error) {
		leader = true
		created, err := a.addWorksheet(context.WithoutCancel(ctx), svc, spreadsheetID, title)
		if err == nil {
			a.known.Store(key, struct{}{})
		}
		return created, err
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return leader && res.Val.(bool), nil
	}
}

func (a *SheetsAdapter) addWorksheet(ctx context.Context, svc *sheets.Service, spreadsheetID, title string) (bool, error) {
	ss, err := svc.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return false, err
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == title {
			return false, nil
		}
	}

	_, err = svc.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{
					Title:          title,
					GridProperties: &sheets.GridProperties{RowCount: 1000, ColumnCount: 20},
				},
			},
		}},
	}).Context(ctx).Do()
	if worksheetExists(err) {
		// Another process added it after our read.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	a.opts.Logger.Info("created worksheet", logging.Provider(string(provider.Sheets)), "worksheet", title)
	return true, nil
}

// worksheetExists reports whether err is the AddSheet rejection for a
// duplicate title.
func worksheetExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusBadRequest &&
		strings.Contains(gerr.Message, "already exists")
}
