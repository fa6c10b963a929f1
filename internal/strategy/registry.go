package strategy

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	RegistryJSONL = "strategies.jsonl"
	RegistryCSV   = "strategies.csv"
)

var (
	ErrRegistryNotFound = errors.New("strategy registry not found")
	ErrInvalidRow       = errors.New("invalid registry row")
)

var knownColumns = map[string]struct{}{
	"id": {}, "name": {}, "family": {}, "engine": {}, "yaml": {},
	"control_mode": {}, "run_mode": {}, "tags": {},
}

// ReadRegistry loads specs from dir, preferring the JSON-lines file over the CSV one.
// Rows without an id are skipped and reported through the joined error; the remaining
// specs are still returned.
func ReadRegistry(dir string) ([]Spec, error) {
	jsonlPath := filepath.Join(dir, RegistryJSONL)
	if f, err := os.Open(jsonlPath); err == nil {
		defer f.Close()
		return readJSONL(f, jsonlPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	csvPath := filepath.Join(dir, RegistryCSV)
	if f, err := os.Open(csvPath); err == nil {
		defer f.Close()
		return readCSV(f, csvPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return nil, fmt.Errorf("%s: %w", dir, ErrRegistryNotFound)
}

func readJSONL(r io.Reader, name string) ([]Spec, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var (
		specs  []Spec
		errs   []error
		lineNo int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			errs = append(errs, fmt.Errorf("%s:%d: %w: %v", name, lineNo, ErrInvalidRow, err))
			continue
		}
		spec, err := specFromRow(row)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s:%d: %w", name, lineNo, err))
			continue
		}
		specs = append(specs, spec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return specs, errors.Join(errs...)
}

func readCSV(r io.Reader, name string) ([]Spec, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	var (
		specs []Spec
		errs  []error
		rowNo = 1
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNo++
		if err != nil {
			errs = append(errs, fmt.Errorf("%s:%d: %w: %v", name, rowNo, ErrInvalidRow, err))
			continue
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) && col != "" {
				row[col] = record[i]
			}
		}
		spec, err := specFromRow(row)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s:%d: %w", name, rowNo, err))
			continue
		}
		specs = append(specs, spec)
	}
	return specs, errors.Join(errs...)
}

func specFromRow(row map[string]any) (Spec, error) {
	spec := Spec{
		ID:          cellString(row["id"]),
		Name:        cellString(row["name"]),
		Family:      cellString(row["family"]),
		Engine:      cellString(row["engine"]),
		Config:      cellString(row["yaml"]),
		ControlMode: strings.ToUpper(cellString(row["control_mode"])),
		RunMode:     strings.ToUpper(cellString(row["run_mode"])),
		Tags:        parseTags(row["tags"]),
	}
	if spec.ID == "" {
		return Spec{}, fmt.Errorf("%w: missing id", ErrInvalidRow)
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if spec.Family == "" {
		spec.Family = DefaultFamily
	}
	if spec.ControlMode == "" {
		spec.ControlMode = DefaultControlMode
	}
	for key, val := range row {
		if _, ok := knownColumns[key]; ok {
			continue
		}
		if spec.Extra == nil {
			spec.Extra = make(map[string]any)
		}
		spec.Extra[key] = val
	}
	return spec, nil
}

func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// parseTags accepts a "|" delimited string or a list of values.
func parseTags(v any) []string {
	var raw []string
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		for _, item := range val {
			raw = append(raw, cellString(item))
		}
	case []string:
		raw = val
	default:
		raw = strings.Split(cellString(val), "|")
	}
	var out []string
	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}
