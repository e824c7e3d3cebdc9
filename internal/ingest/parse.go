package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/pharmaduty/duty-engine/internal/model"
)

// ParseError marks a payload that could not be decoded. It is a
// structural error, never retried as transient.
type ParseError struct {
	ParserKey string
	Err       error
}

func (e *ParseError) Error() string {
	return "parse " + e.ParserKey + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseFunc decodes one raw payload into extracted roster records.
type ParseFunc func(ctx context.Context, data []byte, fetchedAt time.Time) ([]model.RawExtractedRecord, error)

// ParserRegistry maps endpoint parser keys to decode strategies.
// Site-specific HTML scrapers register themselves next to the
// built-in structured-format parsers.
type ParserRegistry struct {
	parsers map[string]ParseFunc
}

// Built-in parser keys.
const (
	ParserJSONRoster = "json_roster"
	ParserXMLRoster  = "xml_roster"
	ParserCSVRoster  = "csv_roster"
	ParserXLSXRoster = "xlsx_roster"
)

// NewParserRegistry returns a registry with the built-in roster
// parsers registered.
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{parsers: make(map[string]ParseFunc)}
	r.Register(ParserJSONRoster, parseJSONRoster)
	r.Register(ParserXMLRoster, parseXMLRoster)
	r.Register(ParserCSVRoster, parseCSVRoster)
	r.Register(ParserXLSXRoster, parseXLSXRoster)
	return r
}

// Register adds or replaces a parser strategy.
func (r *ParserRegistry) Register(key string, fn ParseFunc) {
	r.parsers[key] = fn
}

// Lookup returns the parser for key.
func (r *ParserRegistry) Lookup(key string) (ParseFunc, error) {
	fn, ok := r.parsers[key]
	if !ok {
		return nil, eris.Errorf("ingest: unknown parser key %q", key)
	}
	return fn, nil
}

// rosterEntry is the normalized roster schema the built-in structured
// parsers expect. Vendor-specific shapes are handled by registered
// site adapters upstream of this schema.
type rosterEntry struct {
	Name      string  `json:"name" xml:"name"`
	District  string  `json:"district" xml:"district"`
	Address   string  `json:"address" xml:"address"`
	Phone     string  `json:"phone" xml:"phone"`
	Lat       float64 `json:"lat" xml:"lat"`
	Lng       float64 `json:"lng" xml:"lng"`
	DutyHours string  `json:"duty_hours" xml:"duty_hours"`
}

func (e rosterEntry) record(fetchedAt time.Time) model.RawExtractedRecord {
	return model.RawExtractedRecord{
		Name:      strings.TrimSpace(e.Name),
		District:  strings.TrimSpace(e.District),
		Address:   strings.TrimSpace(e.Address),
		Phone:     strings.TrimSpace(e.Phone),
		Lat:       e.Lat,
		Lng:       e.Lng,
		DutyHours: strings.TrimSpace(e.DutyHours),
		FetchedAt: fetchedAt,
	}
}

func parseJSONRoster(_ context.Context, data []byte, fetchedAt time.Time) ([]model.RawExtractedRecord, error) {
	var entries []rosterEntry

	// either a bare array or a {"pharmacies": [...]} wrapper
	if err := json.Unmarshal(data, &entries); err != nil {
		var wrapper struct {
			Pharmacies []rosterEntry `json:"pharmacies"`
		}
		if werr := json.Unmarshal(data, &wrapper); werr != nil || wrapper.Pharmacies == nil {
			return nil, &ParseError{ParserKey: ParserJSONRoster, Err: err}
		}
		entries = wrapper.Pharmacies
	}

	records := make([]model.RawExtractedRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, e.record(fetchedAt))
	}
	return records, nil
}

func parseXMLRoster(ctx context.Context, data []byte, fetchedAt time.Time) ([]model.RawExtractedRecord, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var records []model.RawExtractedRecord
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "ingest: xml parse cancelled")
		}

		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{ParserKey: ParserXMLRoster, Err: err}
		}

		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "pharmacy" {
			continue
		}

		var e rosterEntry
		if err := decoder.DecodeElement(&e, &se); err != nil {
			return nil, &ParseError{ParserKey: ParserXMLRoster, Err: err}
		}
		records = append(records, e.record(fetchedAt))
	}
	return records, nil
}

func parseCSVRoster(ctx context.Context, data []byte, fetchedAt time.Time) ([]model.RawExtractedRecord, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, &ParseError{ParserKey: ParserCSVRoster, Err: eris.Wrap(err, "read header")}
	}
	cols := headerIndex(header)
	if _, ok := cols["name"]; !ok {
		return nil, &ParseError{ParserKey: ParserCSVRoster, Err: eris.New("no recognizable name column")}
	}

	var records []model.RawExtractedRecord
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "ingest: csv parse cancelled")
		}

		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{ParserKey: ParserCSVRoster, Err: err}
		}
		records = append(records, rowRecord(cols, row, fetchedAt))
	}
	return records, nil
}

func parseXLSXRoster(ctx context.Context, data []byte, fetchedAt time.Time) ([]model.RawExtractedRecord, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, &ParseError{ParserKey: ParserXLSXRoster, Err: eris.Wrap(err, "open workbook")}
	}
	if len(f.Sheets) == 0 {
		return nil, &ParseError{ParserKey: ParserXLSXRoster, Err: eris.New("workbook has no sheets")}
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	cols := headerIndex(rowToStrings(sheet.Rows[0]))
	if _, ok := cols["name"]; !ok {
		return nil, &ParseError{ParserKey: ParserXLSXRoster, Err: eris.New("no recognizable name column")}
	}

	var records []model.RawExtractedRecord
	for _, row := range sheet.Rows[1:] {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "ingest: xlsx parse cancelled")
		}
		cells := rowToStrings(row)
		if emptyRow(cells) {
			continue
		}
		records = append(records, rowRecord(cols, cells, fetchedAt))
	}
	return records, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		cells[i] = c.String()
	}
	return cells
}

func emptyRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// headerAliases maps normalized column headings, Turkish and English,
// to canonical field names.
var headerAliases = map[string]string{
	"name":            "name",
	"eczane":          "name",
	"eczane_adi":      "name",
	"pharmacy":        "name",
	"ad":              "name",
	"adi":             "name",
	"district":        "district",
	"ilce":            "district",
	"address":         "address",
	"adres":           "address",
	"phone":           "phone",
	"telefon":         "phone",
	"tel":             "phone",
	"duty_hours":      "duty_hours",
	"nobet_saatleri":  "duty_hours",
	"nobet_saati":     "duty_hours",
	"hours":           "duty_hours",
	"lat":             "lat",
	"latitude":        "lat",
	"enlem":           "lat",
	"lng":             "lng",
	"lon":             "lng",
	"longitude":       "lng",
	"boylam":          "lng",
}

var headerFolder = strings.NewReplacer(
	"ı", "i", "ç", "c", "ö", "o", "ü", "u", "ş", "s", "ğ", "g",
	"̇", "", // combining dot that lowercasing İ leaves behind
	" ", "_", "-", "_",
)

func headerIndex(header []string) map[string]int {
	cols := make(map[string]int)
	for i, h := range header {
		key := headerFolder.Replace(strings.ToLower(strings.TrimSpace(h)))
		if canonical, ok := headerAliases[key]; ok {
			if _, seen := cols[canonical]; !seen {
				cols[canonical] = i
			}
		}
	}
	return cols
}

func rowRecord(cols map[string]int, row []string, fetchedAt time.Time) model.RawExtractedRecord {
	get := func(field string) string {
		i, ok := cols[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	parseFloat := func(field string) float64 {
		v, _ := strconv.ParseFloat(strings.ReplaceAll(get(field), ",", "."), 64)
		return v
	}

	return model.RawExtractedRecord{
		Name:      get("name"),
		District:  get("district"),
		Address:   get("address"),
		Phone:     get("phone"),
		Lat:       parseFloat("lat"),
		Lng:       parseFloat("lng"),
		DutyHours: get("duty_hours"),
		FetchedAt: fetchedAt,
	}
}

// sniffDelimiter guesses between comma and semicolon. Turkish portals
// export Excel-flavored CSV with semicolons.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i > 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte{';'}) > bytes.Count(line, []byte{','}) {
		return ';'
	}
	return ','
}
