package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/sheets/v4"

	"lead-nurture-go/internal/config"
	"lead-nurture-go/internal/lead"
)

// Sheet column keys after header normalization
const (
	colID       = "id"
	colName     = "businessname"
	colOwner    = "owner"
	colEmail    = "email"
	colWebsite  = "website"
	colRating   = "rating"
	colReviews  = "reviewcount"
	colStatus   = "status"
	colStep     = "step"
	colLastDate = "lastdate"
	colThread   = "thread"
	colVersion  = "version"
)

// SheetColumns is the header row written for a new leads sheet
var SheetColumns = []string{"ID", "Business Name", "Owner", "Email", "Website", "Rating", "Review Count", "Status", "Step", "Last_Date", "Thread", "Version"}

var headerAliases = map[string]string{
	"name":            colName,
	"business":        colName,
	"reviews":         colReviews,
	"threadid":        colThread,
	"threadref":       colThread,
	"lastcontactdate": colLastDate,
}

var dateLayouts = []string{"2006-01-02", "01/02/2006", "02/01/2006"}

// stepStop marks a replied lead in sheets maintained by hand
const stepStop = "Stop"

// sheetStatus is the status label written to the sheet, in the spelling
// people use when editing it by hand
func sheetStatus(s lead.Status) string {
	if s == lead.StatusDraftCreated {
		return "Draft Created"
	}
	return string(s)
}

// SheetStore keeps leads in a Google Sheets tab. The first row is the header.
type SheetStore struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
}

// NewSheetStore creates a store on the configured spreadsheet tab
func NewSheetStore(svc *sheets.Service, cfg config.SheetsConfig) *SheetStore {
	name := cfg.SheetName
	if name == "" {
		name = "Sheet1"
	}
	return &SheetStore{svc: svc, spreadsheetID: cfg.SpreadsheetID, sheetName: name}
}

// sheetRow is one parsed data row with its 1-based sheet row number
type sheetRow struct {
	number int
	cells  []interface{}
	lead   lead.Lead
}

type sheetTable struct {
	header map[string]int
	width  int
	rows   []sheetRow
}

// ListLeads reads the whole tab and returns the rows that parse into valid
// leads. Broken rows are logged and left out.
func (s *SheetStore) ListLeads(ctx context.Context, filter lead.Filter) ([]lead.Lead, error) {
	table, err := s.read(ctx)
	if err != nil {
		return nil, wrapError(ctx, "list leads", err)
	}
	out := make([]lead.Lead, 0, len(table.rows))
	for _, row := range table.rows {
		if !filter.Matches(row.lead) {
			continue
		}
		out = append(out, row.lead)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *SheetStore) GetLead(ctx context.Context, id string) (lead.Lead, error) {
	table, err := s.read(ctx)
	if err != nil {
		return lead.Lead{}, wrapError(ctx, "get lead", err)
	}
	row, ok := table.find(id)
	if !ok {
		return lead.Lead{}, fmt.Errorf("%w: %s", lead.ErrNotFound, id)
	}
	return row.lead, nil
}

// UpdateLead rewrites the lead's row. The version guard only applies when
// the sheet has a Version column; otherwise the last writer wins.
func (s *SheetStore) UpdateLead(ctx context.Context, id string, patch lead.Patch) (lead.Lead, error) {
	table, err := s.read(ctx)
	if err != nil {
		return lead.Lead{}, wrapError(ctx, "update lead", err)
	}
	row, ok := table.find(id)
	if !ok {
		return lead.Lead{}, fmt.Errorf("%w: %s", lead.ErrNotFound, id)
	}

	_, versioned := table.header[colVersion]
	current := row.lead
	if versioned && patch.ExpectedVersion != 0 && patch.ExpectedVersion != current.Version {
		return lead.Lead{}, fmt.Errorf("%w: lead %s is at version %d, expected %d", lead.ErrConflict, id, current.Version, patch.ExpectedVersion)
	}

	next, err := patch.Apply(current)
	if err != nil {
		return lead.Lead{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	if patch.ThreadRef != nil {
		if _, ok := table.header[colThread]; !ok {
			logrus.WithField("lead_id", id).Warn("Sheet has no Thread column, thread reference not stored")
		}
	}

	cells := table.encode(next, row.cells)
	rng := fmt.Sprintf("%s!A%d:%s%d", s.sheetName, row.number, columnLetter(table.width-1), row.number)
	_, err = s.svc.Spreadsheets.Values.Update(s.spreadsheetID, rng, &sheets.ValueRange{
		Values: [][]interface{}{cells},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return lead.Lead{}, wrapError(ctx, "update lead", err)
	}
	return next, nil
}

// CreateLead appends a row for l
func (s *SheetStore) CreateLead(ctx context.Context, l lead.Lead) (lead.Lead, error) {
	if err := l.Validate(); err != nil {
		return lead.Lead{}, err
	}
	table, err := s.read(ctx)
	if err != nil {
		return lead.Lead{}, wrapError(ctx, "create lead", err)
	}
	if _, exists := table.find(l.ID); exists {
		return lead.Lead{}, fmt.Errorf("%w: lead %s already exists", lead.ErrConflict, l.ID)
	}

	l.Version = 1
	l.UpdatedAt = time.Now().UTC()
	cells := table.encode(l, nil)
	_, err = s.svc.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName, &sheets.ValueRange{
		Values: [][]interface{}{cells},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return lead.Lead{}, wrapError(ctx, "create lead", err)
	}
	return l, nil
}

// Ping fetches the spreadsheet id to check access
func (s *SheetStore) Ping(ctx context.Context) error {
	_, err := s.svc.Spreadsheets.Get(s.spreadsheetID).Fields("spreadsheetId").Context(ctx).Do()
	return wrapError(ctx, "ping", err)
}

func (s *SheetStore) read(ctx context.Context) (*sheetTable, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", s.sheetName, err)
	}
	return parseTable(resp.Values)
}

// parseTable maps raw sheet values to typed leads
func parseTable(values [][]interface{}) (*sheetTable, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("sheet has no header row")
	}
	table := &sheetTable{header: parseHeader(values[0]), width: len(values[0])}
	if _, ok := table.header[colStatus]; !ok {
		return nil, fmt.Errorf("sheet header has no Status column")
	}

	for i, cells := range values[1:] {
		number := i + 2
		if isBlank(cells) {
			continue
		}
		l, err := table.decode(cells, number)
		if err == nil {
			err = l.Validate()
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"row":   number,
				"error": err,
			}).Warn("Quarantining sheet row")
			continue
		}
		table.rows = append(table.rows, sheetRow{number: number, cells: cells, lead: l})
	}
	return table, nil
}

func parseHeader(cells []interface{}) map[string]int {
	header := make(map[string]int, len(cells))
	for i, c := range cells {
		key := normalizeHeader(fmt.Sprint(c))
		if alias, ok := headerAliases[key]; ok {
			key = alias
		}
		if _, dup := header[key]; !dup && key != "" {
			header[key] = i
		}
	}
	return header
}

func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
}

func (t *sheetTable) find(id string) (sheetRow, bool) {
	for _, row := range t.rows {
		if row.lead.ID == id {
			return row, true
		}
	}
	return sheetRow{}, false
}

func (t *sheetTable) cell(cells []interface{}, key string) string {
	i, ok := t.header[key]
	if !ok || i >= len(cells) || cells[i] == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(cells[i]))
}

// decode builds a lead from one row. Rows without an ID column fall back
// to a row-number id.
func (t *sheetTable) decode(cells []interface{}, number int) (lead.Lead, error) {
	l := lead.Lead{
		ID:        t.cell(cells, colID),
		ThreadRef: t.cell(cells, colThread),
		Contact: lead.Contact{
			Name:    t.cell(cells, colName),
			Owner:   t.cell(cells, colOwner),
			Email:   t.cell(cells, colEmail),
			Website: t.cell(cells, colWebsite),
		},
	}
	if l.ID == "" {
		if _, ok := t.header[colID]; ok {
			return l, fmt.Errorf("row %d has no id", number)
		}
		l.ID = fmt.Sprintf("row-%d", number)
	}

	raw := t.cell(cells, colStatus)
	if raw == "" {
		l.Status = lead.StatusNew
	} else {
		status, err := lead.ParseStatus(raw)
		if err != nil {
			return l, err
		}
		l.Status = status
	}

	step, err := parseStep(t.cell(cells, colStep))
	if err != nil {
		return l, err
	}
	l.Step = step

	if raw := t.cell(cells, colLastDate); raw != "" {
		d, err := parseDate(raw)
		if err != nil {
			return l, err
		}
		l.LastContactDate = &d
	}

	if raw := t.cell(cells, colRating); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			l.Rating = v
		}
	}
	if raw := t.cell(cells, colReviews); raw != "" {
		if v, err := strconv.Atoi(strings.ReplaceAll(raw, ",", "")); err == nil {
			l.Reviews = v
		}
	}
	if raw := t.cell(cells, colVersion); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return l, fmt.Errorf("invalid version %q: %w", raw, err)
		}
		l.Version = v
	}
	return l, nil
}

// encode writes l into a copy of base, touching only known columns
func (t *sheetTable) encode(l lead.Lead, base []interface{}) []interface{} {
	cells := make([]interface{}, t.width)
	for i := range cells {
		if i < len(base) && base[i] != nil {
			cells[i] = base[i]
		} else {
			cells[i] = ""
		}
	}
	set := func(key string, v interface{}) {
		if i, ok := t.header[key]; ok {
			cells[i] = v
		}
	}

	set(colID, l.ID)
	set(colName, l.Contact.Name)
	set(colOwner, l.Contact.Owner)
	set(colEmail, l.Contact.Email)
	set(colWebsite, l.Contact.Website)
	set(colStatus, sheetStatus(l.Status))
	set(colStep, formatStep(l))
	set(colThread, l.ThreadRef)
	set(colVersion, strconv.FormatInt(l.Version, 10))
	if l.LastContactDate != nil {
		set(colLastDate, l.LastContactDate.Format(dateLayouts[0]))
	}
	if base == nil {
		if l.Rating > 0 {
			set(colRating, strconv.FormatFloat(l.Rating, 'f', -1, 64))
		}
		if l.Reviews > 0 {
			set(colReviews, strconv.Itoa(l.Reviews))
		}
	}
	return cells
}

func parseStep(raw string) (int, error) {
	if raw == "" || strings.EqualFold(raw, stepStop) {
		return 0, nil
	}
	step, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid step %q: %w", raw, err)
	}
	return step, nil
}

func formatStep(l lead.Lead) string {
	if l.Status == lead.StatusReplied && l.Step == 0 {
		return stepStop
	}
	return strconv.Itoa(l.Step)
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return lead.DateOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", raw)
}

func isBlank(cells []interface{}) bool {
	for _, c := range cells {
		if strings.TrimSpace(fmt.Sprint(c)) != "" {
			return false
		}
	}
	return true
}

// columnLetter converts a zero-based column index to A1 notation
func columnLetter(i int) string {
	var s string
	for i >= 0 {
		s = string(rune('A'+i%26)) + s
		i = i/26 - 1
	}
	return s
}
