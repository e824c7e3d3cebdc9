package ingest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/pharmaduty/duty-engine/internal/model"
)

var parseTime = time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)

func TestParseJSONRosterBareArray(t *testing.T) {
	data := []byte(`[
		{"name": " Merkez Eczanesi ", "district": "KADIKOY", "address": "Moda Cad. 12", "phone": "0216 555 11 22", "lat": 40.987, "lng": 29.036, "duty_hours": "08:00-08:00"}
	]`)

	records, err := parseJSONRoster(context.Background(), data, parseTime)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Merkez Eczanesi", records[0].Name)
	assert.Equal(t, "KADIKOY", records[0].District)
	assert.Equal(t, "0216 555 11 22", records[0].Phone)
	assert.InDelta(t, 40.987, records[0].Lat, 1e-9)
	assert.Equal(t, parseTime, records[0].FetchedAt)
}

func TestParseJSONRosterWrapper(t *testing.T) {
	data := []byte(`{"pharmacies": [{"name": "Sağlık Eczanesi"}, {"name": "Deva Eczanesi"}]}`)

	records, err := parseJSONRoster(context.Background(), data, parseTime)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Sağlık Eczanesi", records[0].Name)
}

func TestParseJSONRosterInvalid(t *testing.T) {
	_, err := parseJSONRoster(context.Background(), []byte(`<html></html>`), parseTime)
	require.Error(t, err)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ParserJSONRoster, pe.ParserKey)
}

func TestParseXMLRoster(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="UTF-8"?>
	<roster>
		<pharmacy><name>Merkez Eczanesi</name><district>KADIKOY</district><phone>0216 555 11 22</phone></pharmacy>
		<pharmacy><name>Şifa Eczanesi</name><district>USKUDAR</district></pharmacy>
	</roster>`)

	records, err := parseXMLRoster(context.Background(), data, parseTime)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Şifa Eczanesi", records[1].Name)
	assert.Equal(t, "USKUDAR", records[1].District)
}

func TestParseXMLRosterWindows1254(t *testing.T) {
	// chamber portals still serve legacy single-byte Turkish encodings
	body := "<roster><pharmacy><name>Şifa Eczanesi</name><district>Çankaya</district></pharmacy></roster>"
	encoded, err := charmap.Windows1254.NewEncoder().String(body)
	require.NoError(t, err)
	data := []byte(`<?xml version="1.0" encoding="windows-1254"?>` + "\n" + encoded)

	records, err := parseXMLRoster(context.Background(), data, parseTime)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Şifa Eczanesi", records[0].Name)
	assert.Equal(t, "Çankaya", records[0].District)
}

func TestParseXMLRosterMalformed(t *testing.T) {
	_, err := parseXMLRoster(context.Background(), []byte(`<roster><pharmacy>`), parseTime)
	require.Error(t, err)
}

func TestParseCSVRosterSemicolon(t *testing.T) {
	data := []byte("Eczane Adı;İlçe;Adres;Telefon;Nöbet Saatleri\n" +
		"Merkez Eczanesi;KADIKOY;Moda Cad. 12;0216 555 11 22;08:00-08:00\n" +
		"Sağlık Eczanesi;USKUDAR;;0216 555 33 44;\n")

	records, err := parseCSVRoster(context.Background(), data, parseTime)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Merkez Eczanesi", records[0].Name)
	assert.Equal(t, "KADIKOY", records[0].District)
	assert.Equal(t, "08:00-08:00", records[0].DutyHours)
	assert.Empty(t, records[1].Address)
}

func TestParseCSVRosterCommaWithCoordinates(t *testing.T) {
	data := []byte("name,district,lat,lng\n" +
		"Merkez Eczanesi,KADIKOY,\"40,987\",\"29,036\"\n")

	records, err := parseCSVRoster(context.Background(), data, parseTime)
	require.NoError(t, err)
	require.Len(t, records, 1)
	// Turkish exports use comma decimals
	assert.InDelta(t, 40.987, records[0].Lat, 1e-9)
	assert.InDelta(t, 29.036, records[0].Lng, 1e-9)
}

func TestParseCSVRosterNoNameColumn(t *testing.T) {
	_, err := parseCSVRoster(context.Background(), []byte("ilce;adres\nKADIKOY;Moda Cad. 12\n"), parseTime)
	require.Error(t, err)
}

func TestParseXLSXRoster(t *testing.T) {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Nöbetçi Eczaneler")
	require.NoError(t, err)

	header := sheet.AddRow()
	for _, h := range []string{"Eczane", "İlçe", "Adres", "Telefon"} {
		header.AddCell().Value = h
	}
	row := sheet.AddRow()
	for _, v := range []string{"Merkez Eczanesi", "KADIKOY", "Moda Cad. 12", "0216 555 11 22"} {
		row.AddCell().Value = v
	}
	sheet.AddRow() // trailing blank rows are common in exports

	var buf bytes.Buffer
	require.NoError(t, file.Write(&buf))

	records, err := parseXLSXRoster(context.Background(), buf.Bytes(), parseTime)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Merkez Eczanesi", records[0].Name)
	assert.Equal(t, "KADIKOY", records[0].District)
	assert.Equal(t, "0216 555 11 22", records[0].Phone)
}

func TestParseXLSXRosterNotAWorkbook(t *testing.T) {
	_, err := parseXLSXRoster(context.Background(), []byte("definitely not a zip"), parseTime)
	require.Error(t, err)
}

func TestParserRegistryLookup(t *testing.T) {
	r := NewParserRegistry()
	for _, key := range []string{ParserJSONRoster, ParserXMLRoster, ParserCSVRoster, ParserXLSXRoster} {
		fn, err := r.Lookup(key)
		require.NoError(t, err)
		assert.NotNil(t, fn)
	}

	_, err := r.Lookup("html_izmir_oda")
	require.Error(t, err)

	r.Register("html_izmir_oda", func(context.Context, []byte, time.Time) ([]model.RawExtractedRecord, error) {
		return nil, nil
	})
	_, err = r.Lookup("html_izmir_oda")
	require.NoError(t, err)
}

func TestHeaderIndexAliases(t *testing.T) {
	cols := headerIndex([]string{"Eczane Adı", "İLÇE", "Nöbet Saatleri", "Enlem", "Boylam", "Bilinmeyen"})
	assert.Equal(t, 0, cols["name"])
	assert.Equal(t, 1, cols["district"])
	assert.Equal(t, 2, cols["duty_hours"])
	assert.Equal(t, 3, cols["lat"])
	assert.Equal(t, 4, cols["lng"])
	_, ok := cols["bilinmeyen"]
	assert.False(t, ok)
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ';', sniffDelimiter([]byte("a;b;c\n1;2;3")))
	assert.Equal(t, ',', sniffDelimiter([]byte("a,b,c\n1,2,3")))
	assert.Equal(t, ',', sniffDelimiter([]byte("single")))
}
